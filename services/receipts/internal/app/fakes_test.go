package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/ocr"
	"receiptscanner/pkg/queue"
	"receiptscanner/pkg/store"
	"receiptscanner/pkg/tokenizer"
	"receiptscanner/pkg/translate"
)

const testDim = 3

func receiptJSON(storeName string) string {
	return fmt.Sprintf(`{
  "id": "3047",
  "date": "2024-02-08T18:01:00.000Z",
  "storeName": %q,
  "storeAddress": "Hötorget 2-4, Stockholm",
  "items": [{"id": "1", "name": "Dip", "desc": "Dip", "qty": 1, "unitPrice": 17, "totalPrice": 17}],
  "subtotal": 17,
  "tax": 1.82,
  "total": 17,
  "currencyCode": "SEK",
  "paymentMethod": "Card",
  "paymentDetails": {"AID": "A0000000041010"},
  "classification": {
    "category": "Food & Beverage",
    "purpose": "Dining",
    "expenseType": "Meal",
    "vendorType": "Restaurant",
    "complianceCategory": "General",
    "ethicalRiskScore": 1,
    "responsiblePartyType": "Customer"
  }
}`, storeName)
}

type reply struct {
	text string
	err  error
}

type modelCall struct {
	system string
	user   string
}

// fakeModel replays scripted JSON replies; the last one repeats.
type fakeModel struct {
	mu          sync.Mutex
	replies     []reply
	jsonCalls   []modelCall
	fragments   []string
	streamErr   error
	streamCalls []modelCall
}

func (m *fakeModel) GenerateJSON(_ context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsonCalls = append(m.jsonCalls, modelCall{system, user})
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return r.text, r.err
}

func (m *fakeModel) StreamText(_ context.Context, system, user string) iter.Seq2[string, error] {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, modelCall{system, user})
	m.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, f := range m.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield("", m.streamErr)
		}
	}
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jsonCalls)
}

type fakeEmbedder struct {
	mu     sync.Mutex
	errFor map[string]error
	vecFor map[string][]float32
	texts  []string
	tasks  []string
}

func (e *fakeEmbedder) EmbedText(_ context.Context, text, taskType string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	e.tasks = append(e.tasks, taskType)
	if err := e.errFor[text]; err != nil {
		return nil, err
	}
	if v, ok := e.vecFor[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

type startCall struct {
	bucket, key, outputPrefix string
}

type fakeOCR struct {
	result      ocr.Result
	err         error
	calls       int
	starts      []startCall
	statuses    []ocr.JobStatus
	asyncResult ocr.Result
	polls       int
}

func (f *fakeOCR) Analyze(context.Context, []byte) (ocr.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeOCR) StartAnalysis(_ context.Context, bucket, key, outputPrefix string) (string, error) {
	f.starts = append(f.starts, startCall{bucket, key, outputPrefix})
	return "ocr-job-1", nil
}

func (f *fakeOCR) AnalysisResult(context.Context, string) (ocr.JobStatus, ocr.Result, error) {
	f.polls++
	status := f.statuses[min(f.polls, len(f.statuses))-1]
	if status == ocr.JobSucceeded {
		return status, f.asyncResult, nil
	}
	return status, ocr.Result{}, nil
}

func textResult(lines ...string) ocr.Result {
	blocks := []ocr.Block{{Type: "PAGE", Page: 1}}
	for _, l := range lines {
		blocks = append(blocks, ocr.Block{Type: "LINE", Text: l, Page: 1})
	}
	return ocr.Result{Blocks: blocks}
}

type translateReply struct {
	res translate.Result
	err error
}

type jobCall struct {
	input, output, target string
}

// fakeTranslator replays scripted replies; the last one repeats. A started
// job writes output under the requested output folder.
type fakeTranslator struct {
	replies  []translateReply
	texts    []string
	jobs     []jobCall
	statuses []translate.JobStatus
	polls    int
	objects  *fakeObjects
	output   string
}

func (f *fakeTranslator) Translate(_ context.Context, text, target string) (translate.Result, error) {
	f.texts = append(f.texts, text)
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.res, r.err
}

func (f *fakeTranslator) StartJob(_ context.Context, input, output, target string) (string, error) {
	f.jobs = append(f.jobs, jobCall{input, output, target})
	if f.objects != nil {
		prefix := strings.TrimPrefix(output, "s3://"+f.objects.Bucket()+"/")
		f.objects.objects[prefix+"/123456789012-TranslateText-job/"+target+".text.txt"] = []byte(f.output)
		f.objects.objects[prefix+"/123456789012-TranslateText-job/details/"+target+".auxiliary-translation-details.json"] = []byte("{}")
	}
	return "translate-job-1", nil
}

func (f *fakeTranslator) JobStatus(context.Context, string) (translate.JobStatus, error) {
	f.polls++
	return f.statuses[min(f.polls, len(f.statuses))-1], nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (o *fakeObjects) Bucket() string { return "receipts" }

func (o *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return bytes.Clone(data), nil
}

func (o *fakeObjects) List(_ context.Context, prefix string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for k := range o.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

type fakeQueue struct {
	jobs map[string]queue.JobStatus
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) (queue.JobStatus, error) {
	if q.err != nil {
		return queue.JobStatus{}, q.err
	}
	status := queue.JobStatus{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), Job: job, Status: queue.StatusQueued}
	q.jobs[status.ID] = status
	return status, nil
}

func (q *fakeQueue) GetJob(_ context.Context, id string) (queue.JobStatus, bool, error) {
	job, ok := q.jobs[id]
	return job, ok, nil
}

type fakePublisher struct {
	entries []domain.ReceiptEntry
	err     error
}

func (p *fakePublisher) PublishProcessed(_ context.Context, entry domain.ReceiptEntry) error {
	p.entries = append(p.entries, entry)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

// wordCounter counts whitespace separated words.
var wordCounter = tokenizer.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

type harness struct {
	app        *App
	store      *store.BoltStore
	model      *fakeModel
	embedder   *fakeEmbedder
	ocr        *fakeOCR
	translator *fakeTranslator
	objects    *fakeObjects
	queue      *fakeQueue
	publisher  *fakePublisher
}

func newHarness(configure ...func(*Config)) *harness {
	GinkgoHelper()
	st, err := store.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "receipts.db"), testDim)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(st.Close)

	h := &harness{
		store:     st,
		model:     &fakeModel{replies: []reply{{text: receiptJSON("Bastard Burgers")}}},
		embedder:  &fakeEmbedder{errFor: map[string]error{}, vecFor: map[string][]float32{}},
		ocr:       &fakeOCR{result: textResult("BASTARD BURGERS", "Dip 17,00")},
		objects:   newFakeObjects(),
		queue:     &fakeQueue{jobs: map[string]queue.JobStatus{}},
		publisher: &fakePublisher{},
	}
	h.translator = &fakeTranslator{
		replies: []translateReply{{res: translate.Result{Text: "translated receipt", SourceLanguage: "sv", TargetLanguage: "en"}}},
		objects: h.objects,
	}

	cfg := Config{
		Store:                   st,
		Model:                   h.model,
		Embedder:                h.embedder,
		OCR:                     h.ocr,
		AsyncOCR:                h.ocr,
		Translator:              h.translator,
		BatchTranslator:         h.translator,
		Objects:                 h.objects,
		Tokens:                  wordCounter,
		Queue:                   h.queue,
		Publisher:               h.publisher,
		OCRPollInterval:         time.Millisecond,
		TranslationPollInterval: time.Millisecond,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.app, err = New(cfg)
	Expect(err).NotTo(HaveOccurred())
	return h
}
