package web

import (
	"net/http"
	"strings"
	"time"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.writeErr(w, err, "op", "list devices")
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Devices().GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err, "op", "get device")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type pairDeviceRequest struct {
	Protocol codec.Protocol `json:"protocol"`
	Name     string         `json:"name"`
	Model    string         `json:"model"`
}

func (s *Server) handleAPIPairDevice(w http.ResponseWriter, r *http.Request) {
	var req pairDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Protocol == "" {
		s.writeError(w, http.StatusBadRequest, "protocol is required")
		return
	}

	dev, err := s.coord.Devices().Pair(r.Context(), req.Protocol, strings.TrimSpace(req.Name), req.Model)
	if err != nil {
		s.writeErr(w, err, "op", "pair", "protocol", req.Protocol)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

type updateDeviceRequest struct {
	Name     *string         `json:"name"`
	Settings *store.Settings `json:"settings"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.coord.Devices().GetDevice(id); err != nil {
		s.writeErr(w, err, "op", "update device")
		return
	}

	var req updateDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Settings != nil {
		if err := s.coord.Devices().UpdateSettings(id, *req.Settings); err != nil {
			s.writeErr(w, err, "op", "update settings", "id", id)
			return
		}
	}
	if req.Name != nil {
		if err := s.coord.Devices().RenameDevice(id, *req.Name); err != nil {
			s.writeErr(w, err, "op", "rename device", "id", id)
			return
		}
	}

	dev, err := s.coord.Devices().GetDevice(id)
	if err != nil {
		s.writeErr(w, err, "op", "get device")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Devices().RemoveDevice(id); err != nil {
		s.writeErr(w, err, "op", "delete device", "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setCapabilityRequest struct {
	Capability string `json:"capability"`
	Value      any    `json:"value"`
}

func (s *Server) handleAPISetCapability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setCapabilityRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Capability == "" {
		s.writeError(w, http.StatusBadRequest, "capability is required")
		return
	}

	if err := s.coord.Devices().SetCapability(r.Context(), id, req.Capability, req.Value); err != nil {
		s.writeErr(w, err, "op", "set capability", "id", id, "capability", req.Capability)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tiltRequest struct {
	Direction string `json:"direction"`
	Steps     int    `json:"steps"`
}

func (s *Server) handleAPITilt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := tiltRequest{Steps: 1}
	if !s.decodeBody(w, r, &req) {
		return
	}
	var up bool
	switch strings.ToLower(req.Direction) {
	case "up":
		up = true
	case "down":
	default:
		s.writeError(w, http.StatusBadRequest, "direction must be up or down")
		return
	}

	if err := s.coord.Devices().Tilt(r.Context(), id, up, req.Steps); err != nil {
		s.writeErr(w, err, "op", "tilt", "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIMy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Devices().My(r.Context(), id); err != nil {
		s.writeErr(w, err, "op", "my", "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendActionRequest struct {
	Action string `json:"action"`
	Rail   int    `json:"rail"`
}

func (s *Server) handleAPISendAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendActionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	action, err := codec.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.coord.Devices().SendAction(r.Context(), id, action, req.Rail); err != nil {
		s.writeErr(w, err, "op", "send action", "id", id, "action", req.Action)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Devices().Program(r.Context(), id); err != nil {
		s.writeErr(w, err, "op", "program", "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPILearnStatus(w http.ResponseWriter, r *http.Request) {
	dm := s.coord.Devices()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":     dm.Learning(),
		"discovered": dm.Discovered(),
	})
}

type learnStartRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

func (s *Server) handleAPILearnStart(w http.ResponseWriter, r *http.Request) {
	var req learnStartRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.DurationSeconds < 0 || req.DurationSeconds > 3600 {
		s.writeError(w, http.StatusBadRequest, "duration_seconds must be 0-3600")
		return
	}
	s.coord.Devices().StartLearn(time.Duration(req.DurationSeconds) * time.Second)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": true})
}

func (s *Server) handleAPILearnStop(w http.ResponseWriter, r *http.Request) {
	s.coord.Devices().StopLearn()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": false})
}

type learnAdoptRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

func (s *Server) handleAPILearnAdopt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req learnAdoptRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	dev, err := s.coord.Devices().Learn(id, strings.TrimSpace(req.Name), req.Model)
	if err != nil {
		s.writeErr(w, err, "op", "learn", "id", id)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIRadioInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.RadioInfo()
	devices, err := s.coord.Devices().ListDevices()
	if err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Models().All())
}

func (s *Server) handleAPIEncode(w http.ResponseWriter, r *http.Request) {
	var req codec.FrameRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	b, err := s.coord.Codecs().EncodeRequest(req)
	if err != nil {
		s.writeErr(w, err, "op", "encode")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"bits":   b.String(),
		"length": len(b),
	})
}

type decodeRequest struct {
	Protocol codec.Protocol `json:"protocol"`
	Bits     string         `json:"bits"`
}

func (s *Server) handleAPIDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	results, err := s.coord.Codecs().DecodeText(req.Protocol, req.Bits)
	if err != nil {
		s.writeErr(w, err, "op", "decode")
		return
	}
	if results == nil {
		results = []codec.FrameResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}
