package app

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/hasher"
	"receiptscanner/pkg/ocr"
	"receiptscanner/pkg/translate"
)

var _ = Describe("ProcessStream", func() {
	var (
		h   *harness
		ctx context.Context
		doc Document
	)

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
		doc = Document{Name: "kvitto.pdf", Data: []byte("%PDF-1.7 receipt")}
	})

	collect := func(d Document) ([]ProcessEvent, error) {
		var events []ProcessEvent
		for ev, err := range h.app.ProcessStream(ctx, d) {
			if err != nil {
				return events, err
			}
			events = append(events, ev)
		}
		return events, nil
	}

	messages := func(events []ProcessEvent) []string {
		var out []string
		for _, ev := range events {
			if ev.Type == EventProcessing {
				out = append(out, ev.Message)
			}
		}
		return out
	}

	It("reports every stage before the stored entry", func() {
		events, err := collect(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(messages(events)).To(Equal([]string{
			"Analyzing...", "Translating...", "Summarizing...", "Generating embeddings...", "Storing...",
		}))

		last := events[len(events)-1]
		Expect(last.Type).To(Equal(EventData))
		entry := last.Data.Entry
		Expect(entry.DocumentHash).To(Equal(hasher.Sum(doc.Data)))
		Expect(entry.LanguageCodes).To(Equal([]string{"sv", "en"}))
		Expect(entry.Receipt.StoreName).To(Equal("Bastard Burgers"))

		stored, names, err := h.app.GetReceipt(ctx, entry.DocumentHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ID).To(Equal(entry.ID))
		Expect(names).To(Equal([]string{"kvitto.pdf"}))
		Expect(h.publisher.entries).To(HaveLen(1))
	})

	It("summarizes the translated text and embeds all three sources", func() {
		_, err := collect(doc)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.translator.texts).To(Equal([]string{"BASTARD BURGERS\nDip 17,00"}))
		Expect(h.model.jsonCalls).To(HaveLen(1))
		Expect(h.model.jsonCalls[0].user).To(Equal("translated receipt"))
		Expect(h.model.jsonCalls[0].system).To(HavePrefix(summarizeInstruction + "\nYou output JSON matching the following schema:\n"))
		Expect(h.model.jsonCalls[0].system).To(ContainSubstring("ethicalRiskScore: number;"))

		Expect(h.embedder.texts).To(ConsistOf(
			"BASTARD BURGERS\nDip 17,00",
			"translated receipt",
			ContainSubstring("storeName=Bastard Burgers"),
		))
		Expect(h.embedder.tasks).To(HaveEach("RETRIEVAL_DOCUMENT"))
	})

	It("reuses the scanned text when the same bytes are uploaded again", func() {
		first, err := h.app.Process(ctx, doc)
		Expect(err).NotTo(HaveOccurred())
		second, err := h.app.Process(ctx, Document{Name: "copy.pdf", Data: doc.Data})
		Expect(err).NotTo(HaveOccurred())

		Expect(h.ocr.calls).To(Equal(1))
		Expect(second.DocumentHash).To(Equal(first.DocumentHash))
		Expect(second.ID).To(Equal(first.ID))

		entries, err := h.app.ListReceipts(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		_, names, err := h.app.GetReceipt(ctx, first.DocumentHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ConsistOf("kvitto.pdf", "copy.pdf"))
	})

	It("does not start the next stage once the consumer stops", func() {
		var seen []string
		for ev, err := range h.app.ProcessStream(ctx, doc) {
			Expect(err).NotTo(HaveOccurred())
			seen = append(seen, ev.Message)
			if ev.Message == "Translating..." {
				break
			}
		}
		Expect(seen).To(Equal([]string{"Analyzing...", "Translating..."}))
		Expect(h.translator.texts).To(BeEmpty())
		Expect(h.model.callCount()).To(BeZero())
	})

	It("can only be ranged over once", func() {
		stream := h.app.ProcessStream(ctx, doc)
		for range stream {
		}
		var err error
		for _, e := range stream {
			err = e
		}
		Expect(err).To(MatchError(errStreamConsumed))
	})

	It("rejects an empty document", func() {
		_, err := h.app.Process(ctx, Document{Name: "empty.pdf"})
		Expect(err).To(MatchError(ErrDocumentRequired))
	})

	It("keeps going when the notification cannot be published", func() {
		h.publisher.err = errors.New("broker down")
		_, err := h.app.Process(ctx, doc)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("text extraction", func() {
		BeforeEach(func() {
			h.ocr.err = errors.New("document too large")
			h.ocr.asyncResult = textResult("ASYNC LINE 1", "ASYNC LINE 2")
		})

		It("falls back to an analysis job over object storage", func() {
			h.ocr.statuses = []ocr.JobStatus{ocr.JobRunning, ocr.JobRunning, ocr.JobSucceeded}
			hash := hasher.Sum(doc.Data)

			_, err := h.app.Process(ctx, doc)
			Expect(err).NotTo(HaveOccurred())

			Expect(h.objects.objects).To(HaveKeyWithValue("raw/document-"+hash+".pdf", doc.Data))
			Expect(h.ocr.starts).To(Equal([]startCall{{
				bucket:       "receipts",
				key:          "raw/document-" + hash + ".pdf",
				outputPrefix: "analysis/document-" + hash + "/analysis.json",
			}}))
			Expect(h.ocr.polls).To(Equal(3))
			Expect(h.translator.texts[0]).To(Equal("ASYNC LINE 1\nASYNC LINE 2"))

			cached, ok, err := h.store.GetScannedDocument(ctx, hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(cached.Text).To(Equal("ASYNC LINE 1\nASYNC LINE 2"))
		})

		It("aborts without further polling when the job fails", func() {
			h.ocr.statuses = []ocr.JobStatus{ocr.JobRunning, ocr.JobFailed, ocr.JobSucceeded}

			_, err := h.app.Process(ctx, doc)
			var abort *AbortError
			Expect(errors.As(err, &abort)).To(BeTrue())
			Expect(abort.Stage).To(Equal("ocr"))
			Expect(h.ocr.polls).To(Equal(2))
			Expect(h.translator.texts).To(BeEmpty())
		})

		It("gives up after ten retries", func() {
			h.ocr.statuses = []ocr.JobStatus{ocr.JobRunning}

			_, err := h.app.Process(ctx, doc)
			Expect(err).To(MatchError(ContainSubstring("job still running")))
			Expect(h.ocr.polls).To(Equal(ocrPollRetries + 1))
		})

		It("reports the direct failure when no job backend is configured", func() {
			h = newHarness(func(c *Config) { c.AsyncOCR = nil })
			h.ocr.err = errors.New("document too large")

			_, err := h.app.Process(ctx, doc)
			Expect(err).To(MatchError(ContainSubstring("document too large")))
		})
	})

	Describe("translation", func() {
		var long string

		BeforeEach(func() {
			long = strings.Repeat("Kvitto rad ", 1200)
			h.ocr.result = textResult(long)
		})

		It("retries with text cut to the direct size limit", func() {
			h.translator.replies = []translateReply{
				{err: errors.New("text size limit exceeded")},
				{res: translate.Result{Text: "truncated translation", SourceLanguage: "sv", TargetLanguage: "en"}},
			}

			_, err := h.app.Process(ctx, doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.translator.texts).To(HaveLen(2))
			Expect(h.translator.texts[0]).To(Equal(long))
			Expect(h.translator.texts[1]).To(HaveLen(maxDirectTranslateBytes))
			Expect(h.translator.jobs).To(BeEmpty())
			Expect(h.model.jsonCalls[0].user).To(Equal("truncated translation"))
		})

		It("runs a batch job over the original text when both direct calls fail", func() {
			h.translator.replies = []translateReply{{err: errors.New("throttled")}}
			h.translator.statuses = []translate.JobStatus{translate.JobRunning, translate.JobCompleted}
			h.translator.output = "batch translation"
			prefix := "translations/text-" + hasher.SumString(long)

			entry, err := h.app.Process(ctx, doc)
			Expect(err).NotTo(HaveOccurred())

			Expect(h.objects.objects).To(HaveKeyWithValue(prefix+"/raw/text.txt", []byte(long)))
			Expect(h.translator.jobs).To(Equal([]jobCall{{
				input:  "s3://receipts/" + prefix + "/raw",
				output: "s3://receipts/" + prefix + "/output",
				target: "en",
			}}))
			Expect(h.translator.polls).To(Equal(2))
			Expect(h.model.jsonCalls[0].user).To(Equal("batch translation"))
			Expect(entry.LanguageCodes).To(Equal([]string{domain.UnknownLanguage, "en"}))
		})

		It("aborts when the batch job fails", func() {
			h.translator.replies = []translateReply{{err: errors.New("throttled")}}
			h.translator.statuses = []translate.JobStatus{translate.JobFailed}

			_, err := h.app.Process(ctx, doc)
			var abort *AbortError
			Expect(errors.As(err, &abort)).To(BeTrue())
			Expect(abort.Stage).To(Equal("translation"))
			Expect(h.translator.polls).To(Equal(1))
			Expect(h.model.callCount()).To(BeZero())
		})

		It("cuts on a rune boundary", func() {
			Expect(truncateUTF8("ab€", 3)).To(Equal("ab"))
			Expect(truncateUTF8("ab€", 5)).To(Equal("ab€"))
			Expect(truncateUTF8("abc", 2)).To(Equal("ab"))
		})
	})

	Describe("summarization", func() {
		It("retries until the model output matches the schema", func() {
			h.model.replies = []reply{
				{text: `{"id":`},
				{err: errors.New("upstream 502")},
				{text: `{"id": "1", "storeName": "missing fields"}`},
				{text: receiptJSON("Third Time")},
			}

			entry, err := h.app.Process(ctx, doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Receipt.StoreName).To(Equal("Third Time"))
			Expect(h.model.callCount()).To(Equal(4))
		})

		It("fails once the retries are spent", func() {
			h.model.replies = []reply{{text: `{"id": "1"}`}}

			_, err := h.app.Process(ctx, doc)
			Expect(err).To(MatchError(ContainSubstring("summarize document")))
			Expect(h.model.callCount()).To(Equal(summarizeRetries + 1))
			_, ok, err := h.store.GetReceipt(ctx, hasher.Sum(doc.Data))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("embedding", func() {
		It("fails the run when any source fails and stores nothing", func() {
			h.embedder.errFor["translated receipt"] = errors.New("rate limited")

			_, err := h.app.Process(ctx, doc)
			var embErr *EmbeddingError
			Expect(errors.As(err, &embErr)).To(BeTrue())
			Expect(embErr.Index).To(Equal(1))
			Expect(embErr.Source).To(Equal("translation"))
			Expect(h.embedder.calls()).To(Equal(3))

			_, ok, err := h.store.GetReceipt(ctx, hasher.Sum(doc.Data))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(h.publisher.entries).To(BeEmpty())
		})

		It("reports the lowest failing index", func() {
			h.embedder.errFor["translated receipt"] = errors.New("rate limited")
			h.embedder.errFor["BASTARD BURGERS\nDip 17,00"] = errors.New("too long")

			_, err := h.app.Process(ctx, doc)
			var embErr *EmbeddingError
			Expect(errors.As(err, &embErr)).To(BeTrue())
			Expect(embErr.Index).To(Equal(0))
			Expect(embErr.Source).To(Equal("source"))
		})
	})
})
