package app

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptscanner/pkg/hasher"
	"receiptscanner/pkg/ocr"
	"receiptscanner/pkg/queue"
)

var _ = Describe("Jobs", func() {
	var (
		h   *harness
		ctx context.Context
		doc Document
	)

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
		doc = Document{Name: "kvitto.pdf", Data: []byte("%PDF-1.7 queued receipt")}
	})

	It("stores the upload and queues it", func() {
		job, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).NotTo(HaveOccurred())

		hash := hasher.Sum(doc.Data)
		Expect(job.Status).To(Equal(queue.StatusQueued))
		Expect(job.DocumentHash).To(Equal(hash))
		Expect(job.ObjectKey).To(Equal("uploads/document-" + hash))
		Expect(h.objects.objects).To(HaveKeyWithValue(job.ObjectKey, doc.Data))

		got, err := h.app.GetJob(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(job))
	})

	It("processes a queued upload", func() {
		job, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.app.HandleJob(ctx, job)).To(Succeed())
		entry, names, err := h.app.GetReceipt(ctx, job.DocumentHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.Receipt.StoreName).To(Equal("Bastard Burgers"))
		Expect(names).To(Equal([]string{"kvitto.pdf"}))
		Expect(h.objects.objects).NotTo(HaveKey(job.ObjectKey))
	})

	It("does not retry an upload whose bytes changed", func() {
		job, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).NotTo(HaveOccurred())
		h.objects.objects[job.ObjectKey] = []byte("tampered")

		err = h.app.HandleJob(ctx, job)
		var permanent *backoff.PermanentError
		Expect(errors.As(err, &permanent)).To(BeTrue())
		Expect(h.ocr.calls).To(BeZero())
	})

	It("does not retry a failed analysis job", func() {
		h.ocr.err = errors.New("document too large")
		h.ocr.statuses = []ocr.JobStatus{ocr.JobFailed}
		job, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).NotTo(HaveOccurred())

		err = h.app.HandleJob(ctx, job)
		var permanent *backoff.PermanentError
		Expect(errors.As(err, &permanent)).To(BeTrue())
	})

	It("leaves transient failures retryable", func() {
		h.embedder.errFor["translated receipt"] = errors.New("rate limited")
		job, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).NotTo(HaveOccurred())

		err = h.app.HandleJob(ctx, job)
		Expect(err).To(HaveOccurred())
		var permanent *backoff.PermanentError
		Expect(errors.As(err, &permanent)).To(BeFalse())
		Expect(h.objects.objects).To(HaveKey(job.ObjectKey))
	})

	It("reports unknown jobs", func() {
		_, err := h.app.GetJob(ctx, "missing")
		Expect(err).To(MatchError(ErrJobNotFound))
	})

	It("is unavailable without a queue", func() {
		h = newHarness(func(c *Config) { c.Queue = nil })

		_, err := h.app.EnqueueUpload(ctx, doc)
		Expect(err).To(MatchError(ErrQueueUnavailable))
		_, err = h.app.GetJob(ctx, "job-1")
		Expect(err).To(MatchError(ErrQueueUnavailable))
	})
})

var _ = Describe("New", func() {
	It("requires the core collaborators", func() {
		_, err := New(Config{})
		Expect(err).To(MatchError("store required"))
	})

	It("fills defaults", func() {
		h := newHarness()
		Expect(h.app.targetLanguage).To(Equal("en"))
		Expect(h.app.searchLimit).To(Equal(100))
		Expect(h.app.tokenBudget).To(Equal(128_000))
	})
})
