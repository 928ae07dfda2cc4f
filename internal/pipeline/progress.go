package pipeline

import (
	"io"
	"sync/atomic"
	"time"
)

// Stage names a point in the snapshot_stream -> compress -> encrypt ->
// remote_writer pipeline.
type Stage string

const (
	StageSnapshot    Stage = "snapshot_stream"
	StageCompress    Stage = "compress"
	StageEncrypt     Stage = "encrypt"
	StageRemoteWrite Stage = "remote_write"
)

// Sample is one progress observation, monotonic in BytesOut within a Run.
type Sample struct {
	Stage      Stage
	BytesIn    int64
	BytesOut   int64
	SinceStart time.Duration
}

// countingReader tracks bytes read for progress reporting without
// buffering anything itself.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func newCountingReader(r io.Reader) *countingReader { return &countingReader{r: r} }

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) count() int64 { return c.n.Load() }

// Reporter samples bytesIn/bytesOut at most 4 times per second and invokes
// emit with a monotonic-in-BytesOut Sample until stop is called. bytesOut
// is itself a countingReader: it wraps the already-encrypted chunk stream
// on its way to the Remote Channel, so "bytes out" means bytes actually
// handed to the network stage, not bytes merely produced upstream.
type Reporter struct {
	start    time.Time
	bytesIn  *countingReader
	bytesOut *countingReader
	stage    atomic.Value // Stage
	emit     func(Sample)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewReporter(bytesIn *countingReader, bytesOut *countingReader, emit func(Sample)) *Reporter {
	r := &Reporter{
		start:    time.Now(),
		bytesIn:  bytesIn,
		bytesOut: bytesOut,
		emit:     emit,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	r.stage.Store(StageSnapshot)
	return r
}

func (r *Reporter) SetStage(s Stage) { r.stage.Store(s) }

// Run emits samples every 250ms, at most 4 times per second, until Stop is
// called, then emits one final sample.
func (r *Reporter) Run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sample()
		case <-r.stopCh:
			r.sample()
			return
		}
	}
}

func (r *Reporter) sample() {
	var bytesIn int64
	if r.bytesIn != nil {
		bytesIn = r.bytesIn.count()
	}
	var bytesOut int64
	if r.bytesOut != nil {
		bytesOut = r.bytesOut.count()
	}
	r.emit(Sample{
		Stage:      r.stage.Load().(Stage),
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		SinceStart: time.Since(r.start),
	})
}

func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
