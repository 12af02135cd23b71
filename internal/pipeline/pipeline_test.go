package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeSampler replays a fixed list of frames, then blocks until ctx is done
type fakeSampler struct {
	frames []*Frame
	next   int
}

func (s *fakeSampler) Next(ctx context.Context) (*Frame, error) {
	if s.next < len(s.frames) {
		f := s.frames[s.next]
		s.next++
		return f, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// scriptedDetector returns canned detections keyed by frame sequence
type scriptedDetector struct {
	standard  map[uint64][]Detection
	ambiguous map[uint64][]Detection
	fail      map[uint64]bool
}

func (d *scriptedDetector) Detect(ctx context.Context, frame *Frame) ([]Detection, []Detection, error) {
	if d.fail[frame.Seq] {
		return nil, nil, errors.New("detector unavailable")
	}
	return d.standard[frame.Seq], d.ambiguous[frame.Seq], nil
}

type fakeClassifier struct {
	mu     sync.Mutex
	result *Costume
	err    error
	calls  int
	crops  [][]byte
}

func (c *fakeClassifier) Classify(ctx context.Context, jpeg []byte) (*Costume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.crops = append(c.crops, jpeg)
	if c.err != nil {
		return nil, c.err
	}
	r := *c.result
	return &r, nil
}

type fakeStore struct {
	mu        sync.Mutex
	records   []*Record
	failAt    map[int]bool // Save call index -> return error
	noImageAt map[int]bool // Save call index -> upload failed
}

func (s *fakeStore) Save(ctx context.Context, rec *Record) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.records)
	s.records = append(s.records, rec)
	if s.failAt[i] {
		return nil, errors.New("store unavailable")
	}
	if s.noImageAt[i] {
		return &SaveResult{ID: "rec-partial"}, nil
	}
	return &SaveResult{ID: "rec", ImageURL: "https://example.test/" + rec.ImageKey, ImageStored: true}, nil
}

type recordingLog struct {
	reports []*CaptureReport
}

func (l *recordingLog) RecordCapture(r *CaptureReport) error {
	l.reports = append(l.reports, r)
	return nil
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func testFrame(seq uint64, ts time.Time) *Frame {
	return &Frame{
		Seq:       seq,
		Timestamp: ts,
		Image:     solidImage(320, 240, color.RGBA{200, 30, 30, 255}),
	}
}

func newTestPipeline(t *testing.T, presence PresenceConfig, det *scriptedDetector, store Store, frames []*Frame) (*Pipeline, *recordingLog, string) {
	t.Helper()
	dir := t.TempDir()
	capLog := &recordingLog{}

	p, err := New(Config{DeviceID: "porch"}, Deps{
		Sampler:    &fakeSampler{frames: frames},
		Detector:   det,
		Tracker:    NewPresenceTracker(presence),
		Composer:   NewComposer(ComposerConfig{Dir: dir}, nil),
		FanOut:     NewFanOut(FanOutConfig{DeviceID: "porch"}, nil, store),
		CaptureLog: capLog,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, capLog, dir
}

func TestPipelineEndToEndScenario(t *testing.T) {
	// 12 frames, 1s apart; frames 1-9 present, 10-12 absent; dwell 8s
	det := &scriptedDetector{standard: map[uint64][]Detection{}}
	var frames []*Frame
	for i := 1; i <= 12; i++ {
		seq := uint64(i)
		frames = append(frames, testFrame(seq, at(i-1)))
		if i <= 9 {
			det.standard[seq] = []Detection{
				{ClassID: 0, Confidence: 0.80 + float32(i)/100, Box: BBox{X1: 10, Y1: 10, X2: 60, Y2: 120}, Kind: KindStandard},
			}
		}
	}

	store := &fakeStore{}
	p, capLog, _ := newTestPipeline(t, PresenceConfig{
		DwellTime:        8 * time.Second,
		GracePeriod:      2 * time.Second,
		CooldownDuration: 60 * time.Second,
	}, det, store, frames)

	var reports []*CaptureReport
	var emittedAt []uint64
	for _, f := range frames {
		if r := p.ProcessFrame(context.Background(), f); r != nil {
			reports = append(reports, r)
			emittedAt = append(emittedAt, f.Seq)
		}
	}

	if len(reports) != 1 {
		t.Fatalf("Expected exactly 1 capture, got %d at frames %v", len(reports), emittedAt)
	}
	if emittedAt[0] != 9 {
		t.Errorf("Capture emitted at frame %d, want 9", emittedAt[0])
	}

	r := reports[0]
	if r.FrameSeq != 9 {
		t.Errorf("Report frame seq = %d, want 9", r.FrameSeq)
	}
	if len(r.Outcomes) != 1 {
		t.Fatalf("Expected 1 subject, got %d", len(r.Outcomes))
	}
	if got, want := r.Outcomes[0].Subject.Confidence, det.standard[9][0].Confidence; got != want {
		t.Errorf("Subject should come from frame 9's detections, confidence = %v want %v", got, want)
	}
	if r.Outcomes[0].Subject.Status != StatusSkipped {
		t.Errorf("No classifier configured, status = %s", r.Outcomes[0].Subject.Status)
	}
	if len(capLog.reports) != 1 {
		t.Errorf("Capture log got %d reports", len(capLog.reports))
	}
	if got := p.Stats().Presence.Phase; got != PhaseCooldown {
		t.Errorf("Expected cooldown after scenario, got %s", got)
	}

	// A frame-10 style re-trigger inside the cooldown is rejected
	det.standard[13] = det.standard[9]
	if r := p.ProcessFrame(context.Background(), testFrame(13, at(12))); r != nil {
		t.Error("Presence during cooldown must not capture")
	}
}

func TestPipelineROIFilteredDetectionsNeverCapture(t *testing.T) {
	// The adapter drops out-of-ROI boxes, so the detector yields nothing
	det := &scriptedDetector{standard: map[uint64][]Detection{}}
	var frames []*Frame
	for i := 1; i <= 5; i++ {
		frames = append(frames, testFrame(uint64(i), at(i)))
	}

	p, _, dir := newTestPipeline(t, PresenceConfig{DwellTime: time.Second}, det, &fakeStore{}, frames)
	for _, f := range frames {
		if r := p.ProcessFrame(context.Background(), f); r != nil {
			t.Fatal("No capture expected without confirmed subjects")
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no capture files, found %d", len(entries))
	}
}

func TestPipelineDetectorFailureMeansAbsent(t *testing.T) {
	box := BBox{X1: 10, Y1: 10, X2: 60, Y2: 120}
	det := &scriptedDetector{
		standard: map[uint64][]Detection{
			1: {{ClassID: 0, Confidence: 0.9, Box: box, Kind: KindStandard}},
		},
		fail: map[uint64]bool{2: true, 3: true, 4: true},
	}
	frames := []*Frame{testFrame(1, at(0)), testFrame(2, at(1)), testFrame(3, at(2)), testFrame(4, at(3))}

	p, _, _ := newTestPipeline(t, PresenceConfig{DwellTime: 10 * time.Second, GracePeriod: time.Second}, det, &fakeStore{}, frames)
	for _, f := range frames {
		p.ProcessFrame(context.Background(), f)
	}

	stats := p.Stats()
	if stats.DetectorErrors != 3 {
		t.Errorf("DetectorErrors = %d, want 3", stats.DetectorErrors)
	}
	if stats.Presence.Phase != PhaseIdle {
		t.Errorf("Detector failures past grace should end the episode, phase = %s", stats.Presence.Phase)
	}
}

func TestPipelineUndecodableFrameIsAbsent(t *testing.T) {
	det := &scriptedDetector{standard: map[uint64][]Detection{}}
	frame := &Frame{Seq: 1, Timestamp: at(0), JPEG: []byte("not a jpeg")}

	p, _, _ := newTestPipeline(t, PresenceConfig{}, det, &fakeStore{}, nil)
	if r := p.ProcessFrame(context.Background(), frame); r != nil {
		t.Fatal("Undecodable frame must not capture")
	}
	if p.Stats().DetectorErrors != 1 {
		t.Error("Decode failure should be counted")
	}
}

func TestPipelineAmbiguousDroppedWithoutResolver(t *testing.T) {
	box := BBox{X1: 10, Y1: 10, X2: 60, Y2: 120}
	det := &scriptedDetector{
		ambiguous: map[uint64][]Detection{
			1: {{ClassID: 14, Confidence: 0.9, Box: box, Kind: KindAmbiguous}},
			2: {{ClassID: 14, Confidence: 0.9, Box: box, Kind: KindAmbiguous}},
		},
	}
	frames := []*Frame{testFrame(1, at(0)), testFrame(2, at(1))}

	p, _, _ := newTestPipeline(t, PresenceConfig{}, det, &fakeStore{}, frames)
	for _, f := range frames {
		if r := p.ProcessFrame(context.Background(), f); r != nil {
			t.Fatal("Unvalidated ambiguous detections must not capture")
		}
	}
}

func TestPipelineRunStopsOnCancel(t *testing.T) {
	det := &scriptedDetector{standard: map[uint64][]Detection{}}
	frames := []*Frame{testFrame(1, at(0)), testFrame(2, at(1))}
	p, _, _ := newTestPipeline(t, PresenceConfig{}, det, &fakeStore{}, frames)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for p.Stats().FramesProcessed < 2 {
		select {
		case <-deadline:
			t.Fatal("Frames were not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("Expected error for missing collaborators")
	}
}

func TestPipelineComposeFailureKeepsCooldown(t *testing.T) {
	box := BBox{X1: 10, Y1: 10, X2: 60, Y2: 120}
	det := &scriptedDetector{standard: map[uint64][]Detection{
		1: {{ClassID: 0, Confidence: 0.9, Box: box, Kind: KindStandard}},
		2: {{ClassID: 0, Confidence: 0.9, Box: box, Kind: KindStandard}},
	}}
	frames := []*Frame{testFrame(1, at(0)), testFrame(2, at(1))}

	dir := t.TempDir()
	store := &fakeStore{}
	p, err := New(Config{DeviceID: "porch"}, Deps{
		Sampler:  &fakeSampler{},
		Detector: det,
		Tracker:  NewPresenceTracker(PresenceConfig{CooldownDuration: time.Minute}),
		Composer: NewComposer(ComposerConfig{Dir: dir}, failingRedactor{}),
		FanOut:   NewFanOut(FanOutConfig{DeviceID: "porch"}, nil, store),
	})
	if err != nil {
		t.Fatal(err)
	}

	p.ProcessFrame(context.Background(), frames[0])
	r := p.ProcessFrame(context.Background(), frames[1])
	if r == nil {
		t.Fatal("Expected a report for the failed capture")
	}
	if r.Status != CaptureComposeFailed {
		t.Errorf("Status = %s, want %s", r.Status, CaptureComposeFailed)
	}
	if len(store.records) != 0 {
		t.Error("Fan-out must be skipped when compose fails")
	}
	if got := p.Stats().Presence.Phase; got != PhaseCooldown {
		t.Errorf("Cooldown must still apply after a failed capture, got %s", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("No file should be written when redaction fails, found %d", len(entries))
	}
}

type failingRedactor struct{}

func (failingRedactor) Redact(img *image.RGBA, subjects []image.Rectangle) (int, error) {
	return 0, errors.New("cascade not loaded")
}

func TestEventBusPublishesInOrder(t *testing.T) {
	bus := NewEventBus()
	var got []uint64
	unsubscribe := bus.Subscribe(CaptureHandlerFunc(func(r *CaptureReport) {
		got = append(got, r.FrameSeq)
	}))

	ch, unsubCh := bus.SubscribeChannel(1)
	otherDevice := 0
	bus.SubscribeDevice("garage", CaptureHandlerFunc(func(r *CaptureReport) { otherDevice++ }))

	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(&CaptureReport{DeviceID: "porch", FrameSeq: seq})
	}

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Handler saw %v, want [1 2 3]", got)
	}
	if otherDevice != 0 {
		t.Error("Device filter not applied")
	}
	if r := <-ch; r.FrameSeq != 1 {
		t.Errorf("Channel subscriber got seq %d first", r.FrameSeq)
	}

	unsubscribe()
	unsubCh()
	if n := bus.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}
	bus.Close()
}

func TestPipelineWritesCaptureWithDeterministicName(t *testing.T) {
	box := BBox{X1: 10, Y1: 10, X2: 60, Y2: 120}
	det := &scriptedDetector{standard: map[uint64][]Detection{
		1: {{ClassID: 0, Confidence: 0.9, Box: box, Kind: KindStandard}},
		2: {{ClassID: 0, Confidence: 0.9, Box: box, Kind: KindStandard}},
	}}
	frames := []*Frame{testFrame(1, at(0)), testFrame(2, at(1))}

	p, _, dir := newTestPipeline(t, PresenceConfig{CooldownDuration: time.Minute}, det, nil, frames)
	p.ProcessFrame(context.Background(), frames[0])
	r := p.ProcessFrame(context.Background(), frames[1])
	if r == nil {
		t.Fatal("Expected capture")
	}

	want := filepath.Join(dir, CaptureFilename(at(1), time.UTC))
	if r.ImagePath != want {
		t.Errorf("ImagePath = %s, want %s", r.ImagePath, want)
	}
	if r.Status != CaptureRetained {
		t.Errorf("Without a store the capture must be retained, got %s", r.Status)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Retained capture missing: %v", err)
	}
}
