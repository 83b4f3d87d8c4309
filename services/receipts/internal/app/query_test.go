package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/tokenizer"
)

var _ = Describe("Query", func() {
	const question = "What did I buy at Alpha?"

	var (
		h   *harness
		ctx context.Context
	)

	seed := func(hash, storeName string, vec []float32, names ...string) {
		GinkgoHelper()
		rec, err := domain.ParseReceiptRecord([]byte(receiptJSON(storeName)))
		Expect(err).NotTo(HaveOccurred())
		Expect(h.store.UpsertReceipt(ctx, domain.ReceiptEntry{
			ID:            "id-" + hash,
			DocumentHash:  hash,
			LanguageCodes: []string{"sv", "en"},
			Receipt:       rec,
			UpdatedAt:     time.Now().UTC(),
		})).To(Succeed())
		Expect(h.store.UpsertEmbedding(ctx, domain.ReceiptEmbedding{
			ID:           "emb-" + hash,
			DocumentHash: hash,
			LanguageCode: "en",
			Type:         domain.EmbeddingSummary,
			Text:         storeName,
			Embedding:    vec,
		})).To(Succeed())
		for _, name := range names {
			Expect(h.store.SaveDocumentName(ctx, domain.DocumentName{DocumentHash: hash, Name: name})).To(Succeed())
		}
	}

	collect := func(q string) ([]QueryEvent, error) {
		var events []QueryEvent
		for ev, err := range h.app.QueryStream(ctx, q) {
			if err != nil {
				return events, err
			}
			events = append(events, ev)
		}
		return events, nil
	}

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
		h.embedder.vecFor[question] = []float32{1, 0, 0}
		seed("h-beta", "Beta", []float32{0, 1, 0})
		seed("h-alpha", "Alpha", []float32{1, 0, 0}, "alpha.pdf")
	})

	Describe("Answer", func() {
		It("sends ranked receipts and validates the structured reply", func() {
			h.model.replies = []reply{
				{text: `{"response": "42", "contentType": "application/json"}`},
				{text: `{"response": "You bought a **Dip**.", "contentType": "text/markdown"}`},
			}

			ans, err := h.app.Answer(ctx, question)
			Expect(err).NotTo(HaveOccurred())
			Expect(ans).To(Equal(Answer{Response: "You bought a **Dip**.", ContentType: "text/markdown"}))
			Expect(h.model.callCount()).To(Equal(2))

			call := h.model.jsonCalls[0]
			Expect(call.system).To(HavePrefix(answerInstruction))
			Expect(call.system).To(ContainSubstring(`contentType: "text/plain" | "text/markdown" | "text/html";`))
			Expect(call.user).To(HavePrefix(queryPreamble + "\n\nQuestion: " + question + "\n\n"))
			Expect(call.user).To(ContainSubstring("documentNames\n\t0 alpha.pdf\nid=3047"))
			Expect(strings.Index(call.user, "storeName=Alpha")).To(BeNumerically("<", strings.Index(call.user, "storeName=Beta")))
			Expect(h.embedder.tasks).To(Equal([]string{"RETRIEVAL_QUERY"}))
		})

		It("gives up after three retries", func() {
			h.model.replies = []reply{{text: "not json"}}

			_, err := h.app.Answer(ctx, question)
			Expect(err).To(MatchError(ContainSubstring("execute query")))
			Expect(h.model.callCount()).To(Equal(queryRetries + 1))
		})

		It("requires a question", func() {
			_, err := h.app.Answer(ctx, "   ")
			Expect(err).To(MatchError(ErrQueryRequired))
			Expect(h.embedder.calls()).To(BeZero())
		})
	})

	Describe("QueryStream", func() {
		It("streams progress, deltas and done", func() {
			h.model.fragments = []string{"You bought", "", " a Dip."}

			events, err := collect(question)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(Equal([]QueryEvent{
				{Type: EventProcessing, Message: "Generating query message..."},
				{Type: EventProcessing, Message: "Executing query..."},
				{Type: EventProcessing},
				{Type: EventDelta, Delta: "You bought", ContentType: "text/markdown"},
				{Type: EventDelta, Delta: " a Dip.", ContentType: "text/markdown"},
				{Type: EventDone},
			}))
			Expect(h.model.streamCalls).To(HaveLen(1))
			Expect(h.model.streamCalls[0].system).To(Equal(streamInstruction))
		})

		It("ends without done when the model stream breaks", func() {
			h.model.fragments = []string{"You bought"}
			h.model.streamErr = errors.New("connection reset")

			events, err := collect(question)
			Expect(err).To(MatchError(ContainSubstring("connection reset")))
			Expect(events[len(events)-1]).To(Equal(QueryEvent{Type: EventDelta, Delta: "You bought", ContentType: "text/markdown"}))
			Expect(h.model.streamCalls).To(HaveLen(1))
		})

		It("fails after the first event when the question cannot be embedded", func() {
			h.embedder.errFor[question] = errors.New("quota")

			events, err := collect(question)
			Expect(err).To(MatchError(ContainSubstring("embed query")))
			Expect(events).To(HaveLen(1))
		})

		It("rejects an empty question before any event", func() {
			events, err := collect("")
			Expect(err).To(MatchError(ErrQueryRequired))
			Expect(events).To(BeEmpty())
		})
	})

	Describe("QueryEvent JSON", func() {
		DescribeTable("wire shape",
			func(ev QueryEvent, want string) {
				data, err := json.Marshal(ev)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(MatchJSON(want))
			},
			Entry("processing keeps an empty message", QueryEvent{Type: EventProcessing}, `{"type":"processing","message":""}`),
			Entry("delta", QueryEvent{Type: EventDelta, Delta: "x", ContentType: "text/markdown"}, `{"type":"delta","delta":"x","contentType":"text/markdown"}`),
			Entry("done", QueryEvent{Type: EventDone, Message: "ignored"}, `{"type":"done"}`),
		)
	})
})

var _ = Describe("assemblePrompt", func() {
	var results []domain.SearchResult

	page := func(r domain.SearchResult) string {
		return "\n\n" + flattenPage(r) + "\n\n"
	}

	BeforeEach(func() {
		results = nil
		for _, name := range []string{"A", "Beta Beta Beta Beta Beta", "C"} {
			rec, err := domain.ParseReceiptRecord([]byte(receiptJSON(name)))
			Expect(err).NotTo(HaveOccurred())
			results = append(results, domain.SearchResult{
				Entry:         domain.ReceiptEntry{Receipt: rec},
				DocumentNames: []string{name + ".pdf"},
			})
		}
	})

	byteCounter := tokenizer.CounterFunc(func(s string) int { return len(s) })
	base := queryPreamble + "\n\nQuestion: q"

	It("stops at the first receipt that would overflow", func() {
		budget := len(base) + len(page(results[0])) + len(page(results[2]))

		prompt, included := assemblePrompt("q", results, byteCounter, budget)
		Expect(included).To(Equal(1))
		Expect(prompt).To(Equal(base + page(results[0])))
	})

	It("includes a receipt that lands exactly on the budget", func() {
		budget := len(base) + len(page(results[0])) + len(page(results[1]))

		prompt, included := assemblePrompt("q", results, byteCounter, budget)
		Expect(included).To(Equal(2))
		Expect(prompt).To(HaveSuffix(page(results[1])))
	})

	It("keeps the question when nothing fits", func() {
		prompt, included := assemblePrompt("q", results, byteCounter, len(base))
		Expect(included).To(BeZero())
		Expect(prompt).To(Equal(base))
	})

	It("renders missing names as an empty list", func() {
		r := results[0]
		r.DocumentNames = nil
		Expect(flattenPage(r)).To(HavePrefix("documentNames\n\t\nid=3047"))
	})
})
