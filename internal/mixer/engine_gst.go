// SPDX-License-Identifier: MIT

//go:build cgo

package mixer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/pipeline"
	"github.com/camdeck/camdeck/internal/platform"
	"github.com/camdeck/camdeck/internal/registry"
)

var (
	sceneApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_mixer_scene_apply_total",
		Help: "Total number of scene applications by result.",
	}, []string{"result"})

	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_mixer_transition_total",
		Help: "Total number of transitions by kind.",
	}, []string{"kind"})
)

var gstInitOnce sync.Once

// initGst initializes GStreamer once per process.
func initGst() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

// EncoderResolver picks the encoder profile for the program output.
type EncoderResolver interface {
	Resolve(ctx context.Context, codec config.Codec, bitrateKbps, framerate int, is4K bool) (platform.EncoderProfile, error)
}

// PathChecker answers whether a registry path has a live publisher.
type PathChecker interface {
	GetPath(ctx context.Context, name string) (registry.StreamPath, error)
}

// branch is one live compositor input: the decode bin plus the request
// pads it occupies on the video and audio mixers.
type branch struct {
	path        string
	slot        Slot
	placeholder bool
	bin         *gst.Bin
	videoPad    *gst.Pad
	audioPad    *gst.Pad
}

// Engine runs the program mix in-process. Unlike the capture and
// recording pipelines, the mix graph needs live surgery (branches come
// and go, pad properties animate during transitions), which a
// supervised gst-launch child cannot do.
type Engine struct {
	cfg      config.MixerConfig
	readBase string
	resolver EncoderResolver
	paths    PathChecker
	store    *Store
	bus      *events.Bus
	overlays *OverlayManager
	logger   zerolog.Logger

	flight singleflight.Group

	mu        sync.Mutex
	pipeline  *gst.Pipeline
	comp      *gst.Element
	amix      *gst.Element
	branches  map[string]*branch
	state     State
	decoder   string
	cancelBus context.CancelFunc
	busDone   chan struct{}
	pollDone  chan struct{}
}

// NewEngine wires the mixer engine. Start must be called before any
// scene can go live.
func NewEngine(cfg config.MixerConfig, readBase, publishBase string,
	resolver EncoderResolver, paths PathChecker, store *Store, bus *events.Bus,
	overlays *OverlayManager) (*Engine, error) {

	initGst()
	return &Engine{
		cfg:      cfg,
		readBase: readBase,
		resolver: resolver,
		paths:    paths,
		store:    store,
		bus:      bus,
		overlays: overlays,
		logger:   log.WithComponent("mixer"),
		branches: make(map[string]*branch),
		state:    State{OutputState: OutputStopped},
	}, nil
}

// Start builds the program pipeline (compositor, audio mixer, encoder,
// publisher) with no inputs attached and sets it playing.
func (e *Engine) Start(ctx context.Context, publishBase string, recordFile string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pipeline != nil {
		return camerr.New(camerr.KindBusy, "mixer already running")
	}

	profile, err := e.resolver.Resolve(ctx, e.cfg.OutputCodec, e.cfg.OutputBitrate,
		e.cfg.Framerate, e.cfg.OutputResolution.Is4K())
	if err != nil {
		return err
	}
	e.decoder = decoderFor(e.cfg.OutputCodec, profile.Hardware)

	desc := pipeline.BuildMixerProgram(pipeline.MixerProgramInput{
		Resolution:     e.cfg.OutputResolution,
		Framerate:      e.cfg.Framerate,
		Profile:        profile,
		PublishBase:    publishBase,
		RecordFile:     recordFile,
		SegmentSeconds: 1,
	})

	p, err := gst.NewPipelineFromString(desc.LaunchString())
	if err != nil {
		return camerr.Wrap(camerr.KindPipelineFatal, "parse program pipeline", err)
	}
	comp, err := p.GetElementByName("comp")
	if err != nil {
		_ = p.SetState(gst.StateNull)
		return camerr.Wrap(camerr.KindPipelineFatal, "compositor missing", err)
	}
	amix, err := p.GetElementByName("amix")
	if err != nil {
		_ = p.SetState(gst.StateNull)
		return camerr.Wrap(camerr.KindPipelineFatal, "audio mixer missing", err)
	}

	if err := p.SetState(gst.StatePlaying); err != nil {
		_ = p.SetState(gst.StateNull)
		return camerr.Wrap(camerr.KindPipelineFatal, "start program pipeline", err)
	}

	e.pipeline = p
	e.comp = comp
	e.amix = amix
	e.setStateLocked(func(st *State) {
		st.OutputState = OutputLive
		st.LastError = ""
	})

	busCtx, cancel := context.WithCancel(context.Background())
	e.cancelBus = cancel
	e.busDone = make(chan struct{})
	e.pollDone = make(chan struct{})
	go e.watchBus(busCtx)
	go e.pollPlaceholders(busCtx)

	e.logger.Info().Str(log.FieldResolution, e.cfg.OutputResolution.String()).
		Str(log.FieldEncoder, profile.Element).Msg("program output started")
	return nil
}

// Stop tears the program pipeline down.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	p := e.pipeline
	cancel := e.cancelBus
	busDone, pollDone := e.busDone, e.pollDone
	e.pipeline = nil
	e.comp = nil
	e.amix = nil
	e.branches = make(map[string]*branch)
	e.setStateLocked(func(st *State) {
		st.OutputState = OutputStopped
		st.CurrentScene = ""
		st.PreviousScene = ""
		st.Transition = nil
		st.Placeholders = nil
	})
	e.mu.Unlock()

	if p == nil {
		return nil
	}
	cancel()
	<-busDone
	<-pollDone
	if err := p.SetState(gst.StateNull); err != nil {
		return camerr.Wrap(camerr.KindPipelineFatal, "stop program pipeline", err)
	}
	e.logger.Info().Msg("program output stopped")
	return nil
}

// SetScene applies a scene with the given transition. Concurrent calls
// for the same scene collapse into one application; a different scene
// queues behind the running one.
func (e *Engine) SetScene(ctx context.Context, sceneID string, tr Transition) error {
	_, err, _ := e.flight.Do(sceneID+"/"+string(tr.Kind), func() (any, error) {
		return nil, e.applyScene(ctx, sceneID, tr)
	})
	if err != nil {
		sceneApplyTotal.WithLabelValues("error").Inc()
		return err
	}
	sceneApplyTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) applyScene(ctx context.Context, sceneID string, tr Transition) error {
	scene, err := e.store.Get(sceneID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.pipeline == nil {
		e.mu.Unlock()
		return camerr.New(camerr.KindPipelineFatal, "mixer is not running")
	}
	attached := make(map[string]struct{}, len(e.branches))
	for path := range e.branches {
		attached[path] = struct{}{}
	}
	plan := planBranches(attached, scene)
	previous := e.state.CurrentScene
	e.mu.Unlock()

	transitionTotal.WithLabelValues(string(tr.Kind)).Inc()
	e.logger.Info().Str(log.FieldSceneID, sceneID).
		Str("transition", string(tr.Kind)).
		Int("add", len(plan.Add)).Int("remove", len(plan.Remove)).
		Msg("applying scene")

	// New branches attach invisible first so the transition reveals them.
	added := make([]*branch, 0, len(plan.Add))
	for _, slot := range plan.Add {
		br, err := e.attachBranch(ctx, slot, tr.Kind != TransitionCut)
		if err != nil {
			for _, b := range added {
				e.detachBranch(b)
			}
			return err
		}
		added = append(added, br)
	}

	// Surviving branches move to their new geometry immediately.
	for _, slot := range plan.Keep {
		e.updateBranchSlot(slot)
	}

	e.animate(ctx, tr, added)

	// Outgoing branches leave only after the transition completed.
	e.mu.Lock()
	var gone []*branch
	for _, path := range plan.Remove {
		if br, ok := e.branches[path]; ok {
			delete(e.branches, path)
			gone = append(gone, br)
		}
	}
	e.setStateLocked(func(st *State) {
		st.PreviousScene = previous
		st.CurrentScene = sceneID
		st.Transition = nil
	})
	e.mu.Unlock()
	for _, br := range gone {
		e.detachBranch(br)
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicMixer, e.State())
	}
	return nil
}

// animate drives the incoming pads from hidden to their target state.
func (e *Engine) animate(ctx context.Context, tr Transition, incoming []*branch) {
	if tr.Kind == TransitionCut || tr.Duration <= 0 || len(incoming) == 0 {
		for _, br := range incoming {
			e.applyFrame(br, frameFor(tr.Kind, br.slot, e.cfg.OutputResolution, 1))
		}
		return
	}

	e.mu.Lock()
	e.state.Transition = &TransitionStatus{Kind: tr.Kind, Remaining: tr.Duration}
	e.mu.Unlock()

	const step = 40 * time.Millisecond
	start := time.Now()
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Snap to the end state rather than leaving a half-faded mix.
			for _, br := range incoming {
				e.applyFrame(br, frameFor(tr.Kind, br.slot, e.cfg.OutputResolution, 1))
			}
			return
		case <-ticker.C:
		}
		p := float64(time.Since(start)) / float64(tr.Duration)
		for _, br := range incoming {
			e.applyFrame(br, frameFor(tr.Kind, br.slot, e.cfg.OutputResolution, p))
		}
		e.mu.Lock()
		remaining := tr.Duration - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		if e.state.Transition != nil {
			e.state.Transition.Remaining = remaining
		}
		e.mu.Unlock()
		if p >= 1 {
			return
		}
	}
}

func frameFor(kind TransitionKind, slot Slot, out config.Resolution, p float64) frame {
	switch kind {
	case TransitionWipe:
		return wipeFrame(slot, out.Width, out.Height, p)
	default:
		return fadeFrame(slot, out.Width, out.Height, p)
	}
}

func (e *Engine) applyFrame(br *branch, f frame) {
	if br.videoPad == nil {
		return
	}
	_ = br.videoPad.SetProperty("alpha", f.alpha)
	_ = br.videoPad.SetProperty("xpos", f.xpos)
	_ = br.videoPad.SetProperty("ypos", f.ypos)
}

// attachBranch adds one input to the running mix. Sources without a
// live publisher get a placeholder branch that the poller later swaps
// for the real feed.
func (e *Engine) attachBranch(ctx context.Context, slot Slot, hidden bool) (*branch, error) {
	path := slot.Source.StreamPath()

	placeholder := true
	if sp, err := e.paths.GetPath(ctx, path); err == nil && sp.Ready {
		placeholder = false
	}

	var launch string
	if placeholder {
		launch = placeholderLaunch(path, e.cfg.OutputResolution)
	} else {
		desc := pipeline.BuildMixerBranch(pipeline.MixerBranchInput{
			SourcePath: path,
			Codec:      e.cfg.OutputCodec,
			Decoder:    e.decoder,
			ReadBase:   e.readBase,
			Audio:      slot.AudioGain > 0,
		})
		launch = desc.LaunchString()
	}

	bin, err := gst.NewBinFromString(launch, true)
	if err != nil {
		return nil, camerr.Wrap(camerr.KindPipelineFatal, "parse branch "+path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil {
		return nil, camerr.New(camerr.KindPipelineFatal, "mixer is not running")
	}
	if err := e.pipeline.Add(bin.Element); err != nil {
		return nil, camerr.Wrap(camerr.KindPipelineFatal, "add branch "+path, err)
	}

	br := &branch{path: path, slot: slot, placeholder: placeholder, bin: bin}

	srcPad := bin.GetStaticPad("src")
	if srcPad == nil {
		e.removeBinLocked(bin)
		return nil, camerr.Newf(camerr.KindPipelineFatal, "branch %s has no video pad", path)
	}
	sinkPad := e.comp.GetRequestPad("sink_%u")
	if sinkPad == nil {
		e.removeBinLocked(bin)
		return nil, camerr.Newf(camerr.KindPipelineFatal, "compositor refused pad for %s", path)
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		e.comp.ReleaseRequestPad(sinkPad)
		e.removeBinLocked(bin)
		return nil, camerr.Newf(camerr.KindPipelineFatal, "link %s: %s", path, ret)
	}
	br.videoPad = sinkPad

	if !placeholder && slot.AudioGain > 0 {
		// Ghosted pads are numbered in chain order: src is the video
		// queue, src_1 the audio branch when present.
		audioSrc := bin.GetStaticPad("src_1")
		if audioSrc != nil {
			if apad := e.amix.GetRequestPad("sink_%u"); apad != nil {
				if ret := audioSrc.Link(apad); ret == gst.PadLinkOK {
					br.audioPad = apad
					if slot.AudioDelayMs > 0 {
						apad.SetOffset(int64(time.Duration(slot.AudioDelayMs) * time.Millisecond))
					}
				} else {
					e.amix.ReleaseRequestPad(apad)
				}
			}
		}
		if vol, err := bin.GetElementByName("vol_" + path); err == nil && vol != nil {
			_ = vol.SetProperty("volume", slot.AudioGain)
		}
	}

	e.applyPadGeometry(br, hidden)
	if err := bin.SyncStateWithParent(); err != nil {
		e.detachBranchLocked(br)
		return nil, camerr.Wrap(camerr.KindPipelineFatal, "sync branch "+path, err)
	}

	e.branches[path] = br
	if placeholder {
		e.setStateLocked(func(st *State) {
			st.Placeholders = appendUnique(st.Placeholders, path)
		})
	}
	e.logger.Debug().Str(log.FieldStreamPath, path).
		Bool("placeholder", placeholder).Msg("branch attached")
	return br, nil
}

// applyPadGeometry writes the slot geometry onto the compositor pad.
func (e *Engine) applyPadGeometry(br *branch, hidden bool) {
	out := e.cfg.OutputResolution
	alpha := br.slot.Opacity
	if hidden {
		alpha = 0
	}
	_ = br.videoPad.SetProperty("xpos", int(br.slot.X*float64(out.Width)))
	_ = br.videoPad.SetProperty("ypos", int(br.slot.Y*float64(out.Height)))
	_ = br.videoPad.SetProperty("width", int(br.slot.W*float64(out.Width)))
	_ = br.videoPad.SetProperty("height", int(br.slot.H*float64(out.Height)))
	_ = br.videoPad.SetProperty("alpha", alpha)
	_ = br.videoPad.SetProperty("zorder", uint(br.slot.Z)) // #nosec G115 -- validated non-negative
}

func (e *Engine) updateBranchSlot(slot Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.branches[slot.Source.StreamPath()]
	if !ok {
		return
	}
	br.slot = slot
	e.applyPadGeometry(br, false)
	if br.audioPad != nil {
		if vol, err := br.bin.GetElementByName("vol_" + br.path); err == nil && vol != nil {
			_ = vol.SetProperty("volume", slot.AudioGain)
		}
	}
}

func (e *Engine) detachBranch(br *branch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachBranchLocked(br)
}

func (e *Engine) detachBranchLocked(br *branch) {
	if br.videoPad != nil && e.comp != nil {
		e.comp.ReleaseRequestPad(br.videoPad)
	}
	if br.audioPad != nil && e.amix != nil {
		e.amix.ReleaseRequestPad(br.audioPad)
	}
	e.removeBinLocked(br.bin)
	e.setStateLocked(func(st *State) {
		st.Placeholders = removeString(st.Placeholders, br.path)
	})
	e.logger.Debug().Str(log.FieldStreamPath, br.path).Msg("branch detached")
}

func (e *Engine) removeBinLocked(bin *gst.Bin) {
	_ = bin.SetState(gst.StateNull)
	if e.pipeline != nil {
		_ = e.pipeline.Remove(bin.Element)
	}
}

// pollPlaceholders swaps placeholder branches for the real feed once
// the registry reports a publisher. Polling is rate limited so a dead
// source cannot hammer the registry.
func (e *Engine) pollPlaceholders(ctx context.Context) {
	defer close(e.pollDone)

	limiter := rate.NewLimiter(rate.Every(e.cfg.PlaceholderPoll.Duration()), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		if e.overlays != nil {
			if err := e.overlays.EnsureSynced(ctx); err != nil {
				e.logger.Debug().Err(err).Msg("graphics renderer still down")
			}
		}

		e.mu.Lock()
		var waiting []*branch
		for _, br := range e.branches {
			if br.placeholder {
				waiting = append(waiting, br)
			}
		}
		e.mu.Unlock()

		for _, br := range waiting {
			sp, err := e.paths.GetPath(ctx, br.path)
			if err != nil || !sp.Ready {
				continue
			}
			e.logger.Info().Str(log.FieldStreamPath, br.path).
				Msg("source came up, replacing placeholder")
			slot := br.slot
			e.mu.Lock()
			delete(e.branches, br.path)
			e.detachBranchLocked(br)
			e.mu.Unlock()
			if _, err := e.attachBranch(ctx, slot, false); err != nil {
				e.logger.Warn().Err(err).Str(log.FieldStreamPath, br.path).
					Msg("placeholder swap failed")
			}
		}
	}
}

// watchBus surfaces errors from the program graph.
func (e *Engine) watchBus(ctx context.Context) {
	defer close(e.busDone)

	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return
	}
	bus := p.GetPipelineBus()
	if bus == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			e.logger.Error().Str("source", msg.Source()).
				Msg("program pipeline error: " + gerr.Error())
			e.mu.Lock()
			e.setStateLocked(func(st *State) {
				st.OutputState = OutputError
				st.LastError = gerr.Error()
			})
			e.mu.Unlock()
			if e.bus != nil {
				e.bus.Publish(events.TopicMixer, e.State())
			}
		case gst.MessageEOS:
			e.logger.Warn().Msg("program pipeline reached EOS")
		}
	}
}

// State returns the mixer snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.Placeholders = append([]string(nil), e.state.Placeholders...)
	if e.overlays != nil {
		st.Overlays = e.overlays.VisibleIDs()
	}
	if e.state.Transition != nil {
		tr := *e.state.Transition
		st.Transition = &tr
	}
	return st
}

// setStateLocked mutates the snapshot; e.mu must be held.
func (e *Engine) setStateLocked(mutate func(*State)) {
	mutate(&e.state)
}

// placeholderLaunch renders a labeled test pattern for a source that
// has no publisher yet.
func placeholderLaunch(path string, out config.Resolution) string {
	return fmt.Sprintf(
		"videotestsrc pattern=black is-live=true ! "+
			"video/x-raw,format=NV12,width=%d,height=%d ! "+
			"textoverlay text=%q valignment=center halignment=center ! "+
			"videoconvert ! queue name=out_%s",
		out.Width, out.Height, "waiting: "+path, sanitizeName(path))
}

func decoderFor(codec config.Codec, hardware bool) string {
	if hardware {
		return "mppvideodec"
	}
	if codec == config.CodecH265 {
		return "avdec_h265"
	}
	return "avdec_h264"
}

func sanitizeName(path string) string {
	return strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(path)
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
