// SPDX-License-Identifier: MIT

package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/ingest"
	"github.com/camdeck/camdeck/internal/mixer"
	"github.com/camdeck/camdeck/internal/mode"
	"github.com/camdeck/camdeck/internal/recording"
)

// statusResponse is the aggregate device snapshot for the UI landing
// page, composed from whichever components are wired.
type statusResponse struct {
	Mode      *mode.Status         `json:"mode,omitempty"`
	Cameras   []ingest.CameraState `json:"cameras,omitempty"`
	Recording *recording.Snapshot  `json:"recording,omitempty"`
	Mixer     *mixer.State         `json:"mixer,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.modes != nil {
		st := s.modes.Status()
		resp.Mode = &st
	}
	if s.ingest != nil {
		resp.Cameras = s.ingest.States()
	}
	if s.recorder != nil {
		snap := s.recorder.Status()
		resp.Recording = &snap
	}
	if s.mixer != nil {
		st := s.mixer.State()
		resp.Mixer = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModeStatus(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		notWired(w, "mode arbiter")
		return
	}
	writeJSON(w, http.StatusOK, s.modes.Status())
}

func (s *Server) handleModeSwitch(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		notWired(w, "mode arbiter")
		return
	}
	target := config.Mode(chi.URLParam(r, "mode"))
	if err := s.modes.SwitchTo(r.Context(), target); err != nil {
		// A switch that stranded the device between modes is a service
		// problem, not a client one.
		if s.modes.Status().Degraded {
			writeJSON(w, http.StatusServiceUnavailable,
				errorResponse{Error: err.Error(), Kind: camerr.KindOf(err)})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.modes.Status())
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		notWired(w, "ingest")
		return
	}
	writeJSON(w, http.StatusOK, s.ingest.States())
}

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		notWired(w, "ingest")
		return
	}
	camID := chi.URLParam(r, "camera")
	cam := s.cfg.Camera(camID)
	if cam == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{Error: "unknown camera " + camID})
		return
	}
	s.ingest.EnsureRunning(*cam)
	state, ok := s.ingest.State(camID)
	if !ok {
		state = ingest.CameraState{CameraID: camID, Status: ingest.StatusIdle}
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleIngestStop(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		notWired(w, "ingest")
		return
	}
	camID := chi.URLParam(r, "camera")
	if !s.ingest.Stop(r.Context(), camID) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{Error: "unknown camera " + camID})
		return
	}
	writeJSON(w, http.StatusOK, ingest.CameraState{
		CameraID: camID, Status: ingest.StatusIdle,
	})
}

type recordingStartRequest struct {
	Cameras []string `json:"cameras"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		notWired(w, "recorder")
		return
	}
	var req recordingStartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, camerr.Wrap(camerr.KindConfigInvalid, "decode request", err))
			return
		}
	}
	camIDs := req.Cameras
	if len(camIDs) == 0 {
		for _, cam := range s.cfg.Cameras {
			if cam.Enabled {
				camIDs = append(camIDs, cam.ID)
			}
		}
	}
	sess, err := s.recorder.Start(r.Context(), camIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		notWired(w, "recorder")
		return
	}
	sess, err := s.recorder.Stop(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		notWired(w, "recorder")
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		notWired(w, "recorder")
		return
	}
	sessions, err := s.recorder.Sessions()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*recording.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleMixerState(w http.ResponseWriter, r *http.Request) {
	if s.mixer == nil {
		notWired(w, "mixer")
		return
	}
	writeJSON(w, http.StatusOK, s.mixer.State())
}

func (s *Server) handleMixerStart(w http.ResponseWriter, r *http.Request) {
	if s.mixer == nil {
		notWired(w, "mixer")
		return
	}
	recordFile := ""
	if s.cfg.Mixer.RecordProgram {
		recordFile = s.cfg.Recording.BasePath + "/program_" +
			time.Now().Format("20060102_150405") + ".mp4"
	}
	if err := s.mixer.Start(r.Context(), s.cfg.Registry.PublishBase, recordFile); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mixer.State())
}

func (s *Server) handleMixerStop(w http.ResponseWriter, r *http.Request) {
	if s.mixer == nil {
		notWired(w, "mixer")
		return
	}
	if err := s.mixer.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mixer.State())
}

type sceneSwitchRequest struct {
	Transition string `json:"transition"`
	DurationMs int    `json:"duration_ms"`
}

func (s *Server) handleMixerScene(w http.ResponseWriter, r *http.Request) {
	if s.mixer == nil {
		notWired(w, "mixer")
		return
	}
	sceneID := chi.URLParam(r, "scene")
	if s.scenes != nil {
		if _, err := s.scenes.Get(sceneID); err != nil {
			writeJSON(w, http.StatusNotFound,
				errorResponse{Error: "unknown scene " + sceneID})
			return
		}
	}
	var req sceneSwitchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, camerr.Wrap(camerr.KindConfigInvalid, "decode request", err))
			return
		}
	}
	tr, err := mixer.ParseTransition(req.Transition,
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.mixer.SetScene(r.Context(), sceneID, tr); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mixer.State())
}

func (s *Server) handleSceneList(w http.ResponseWriter, r *http.Request) {
	if s.scenes == nil {
		notWired(w, "scene store")
		return
	}
	scenes := s.scenes.List()
	if scenes == nil {
		scenes = []*mixer.Scene{}
	}
	writeJSON(w, http.StatusOK, scenes)
}

func (s *Server) handleSceneGet(w http.ResponseWriter, r *http.Request) {
	if s.scenes == nil {
		notWired(w, "scene store")
		return
	}
	sceneID := chi.URLParam(r, "scene")
	scene, err := s.scenes.Get(sceneID)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{Error: "unknown scene " + sceneID})
		return
	}
	writeJSON(w, http.StatusOK, scene)
}

func (s *Server) handleScenePut(w http.ResponseWriter, r *http.Request) {
	if s.scenes == nil {
		notWired(w, "scene store")
		return
	}
	var scene mixer.Scene
	if err := json.NewDecoder(r.Body).Decode(&scene); err != nil {
		s.writeError(w, r, camerr.Wrap(camerr.KindConfigInvalid, "decode scene", err))
		return
	}
	scene.SceneID = chi.URLParam(r, "scene")
	if err := s.scenes.Put(&scene); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &scene)
}

func (s *Server) handleOverlayList(w http.ResponseWriter, r *http.Request) {
	if s.graphics == nil {
		notWired(w, "graphics renderer")
		return
	}
	overlays, err := s.graphics.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if overlays == nil {
		overlays = []mixer.Overlay{}
	}
	writeJSON(w, http.StatusOK, overlays)
}

func (s *Server) handleOverlayPut(w http.ResponseWriter, r *http.Request) {
	if s.graphics == nil {
		notWired(w, "graphics renderer")
		return
	}
	var ov mixer.Overlay
	if err := json.NewDecoder(r.Body).Decode(&ov); err != nil {
		s.writeError(w, r, camerr.Wrap(camerr.KindConfigInvalid, "decode overlay", err))
		return
	}
	ov.ID = chi.URLParam(r, "overlay")
	if err := s.graphics.Upsert(r.Context(), ov); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &ov)
}

type overlayVisibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleOverlayVisibility(w http.ResponseWriter, r *http.Request) {
	if s.graphics == nil {
		notWired(w, "graphics renderer")
		return
	}
	var req overlayVisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, camerr.Wrap(camerr.KindConfigInvalid, "decode request", err))
		return
	}
	id := chi.URLParam(r, "overlay")
	if err := s.graphics.SetVisible(r.Context(), id, req.Visible); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverlayDelete(w http.ResponseWriter, r *http.Request) {
	if s.graphics == nil {
		notWired(w, "graphics renderer")
		return
	}
	if err := s.graphics.Delete(r.Context(), chi.URLParam(r, "overlay")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
