package api

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voiceid/voiceid/cmd/server/internal/audio"
	"github.com/voiceid/voiceid/cmd/server/internal/model"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/vector"
)

// classifySource interprets a bare string source from a JSON payload: an
// http/https URL downloads, anything else is a local path.
func classifySource(s string) audio.Source {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return audio.URLSource(s)
	}
	return audio.PathSource(s)
}

// openUpload turns a multipart file header into an upload Source. The caller
// must close the returned file after resolving.
func openUpload(fh *multipart.FileHeader) (audio.Source, multipart.File, error) {
	f, err := fh.Open()
	if err != nil {
		return audio.Source{}, nil, svcerr.NewInvalidSource("failed to read uploaded file: " + fh.Filename)
	}
	return audio.UploadSource(fh.Filename, f), f, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.coord.Status()
	ready := status.State == model.StateReady

	code := http.StatusOK
	health := "healthy"
	if !ready {
		code = http.StatusServiceUnavailable
		health = "unavailable"
	}

	snap := s.stats.Snapshot()
	c.JSON(code, gin.H{
		"status":         health,
		"model":          status.ModelID,
		"device":         status.Device,
		"model_loaded":   ready,
		"model_state":    status.State,
		"last_error":     status.LastError,
		"uptime":         snap.Uptime,
		"uptime_seconds": s.stats.UptimeSeconds(),
		"stats":          snap,
	})
}

// verifyRequest is the JSON body accepted by /verify when the audio is not
// uploaded directly.
type verifyRequest struct {
	Audio1URL  string   `json:"audio1_url"`
	Audio2URL  string   `json:"audio2_url"`
	Audio1Path string   `json:"audio1_path"`
	Audio2Path string   `json:"audio2_path"`
	Threshold  *float64 `json:"threshold"`
}

func (s *Server) handleVerify(c *gin.Context) {
	start := time.Now()

	var src1, src2 audio.Source
	var threshold *float64

	if c.ContentType() == "multipart/form-data" {
		fh1, err1 := c.FormFile("audio1")
		fh2, err2 := c.FormFile("audio2")
		if err1 != nil || err2 != nil {
			s.respondErr(c, "/verify", start,
				svcerr.NewInvalidSource("multipart request requires audio1 and audio2 files"))
			return
		}
		var f1, f2 multipart.File
		var err error
		src1, f1, err = openUpload(fh1)
		if err != nil {
			s.respondErr(c, "/verify", start, err)
			return
		}
		defer f1.Close()
		src2, f2, err = openUpload(fh2)
		if err != nil {
			s.respondErr(c, "/verify", start, err)
			return
		}
		defer f2.Close()

		if v := c.PostForm("threshold"); v != "" {
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				s.respondErr(c, "/verify", start, svcerr.NewValidationFailed("invalid threshold: "+v))
				return
			}
			threshold = &t
		}
	} else {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondErr(c, "/verify", start, svcerr.NewInvalidSource("invalid request body"))
			return
		}
		switch {
		case req.Audio1URL != "" && req.Audio2URL != "":
			src1, src2 = audio.URLSource(req.Audio1URL), audio.URLSource(req.Audio2URL)
		case req.Audio1Path != "" && req.Audio2Path != "":
			src1, src2 = audio.PathSource(req.Audio1Path), audio.PathSource(req.Audio2Path)
		default:
			s.respondErr(c, "/verify", start,
				svcerr.NewInvalidSource("missing audio sources: provide files, URLs or paths"))
			return
		}
		threshold = req.Threshold
	}

	if err := validateThreshold(threshold); err != nil {
		s.respondErr(c, "/verify", start, err)
		return
	}

	result, err := s.engine.VerifySources(c.Request.Context(), src1, src2, threshold)
	if err != nil {
		s.respondErr(c, "/verify", start, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"score":           result.Score,
		"is_same_speaker": result.IsSameSpeaker,
		"threshold":       result.Threshold,
		"confidence":      result.Confidence,
	})
	s.observe(c, "/verify", start, http.StatusOK, true, "")
}

// batchRequest is the JSON body for /verify_batch. Sources are strings:
// http/https URLs or local paths.
type batchRequest struct {
	Reference  string   `json:"reference"`
	Candidates []string `json:"candidates"`
	Threshold  *float64 `json:"threshold"`
}

func (s *Server) handleVerifyBatch(c *gin.Context) {
	start := time.Now()

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, "/verify_batch", start, svcerr.NewInvalidSource("invalid request body"))
		return
	}
	if req.Reference == "" || len(req.Candidates) == 0 {
		s.respondErr(c, "/verify_batch", start,
			svcerr.NewInvalidSource("missing reference or candidates"))
		return
	}
	if err := validateThreshold(req.Threshold); err != nil {
		s.respondErr(c, "/verify_batch", start, err)
		return
	}

	candidates := make([]audio.Source, len(req.Candidates))
	for i, candidate := range req.Candidates {
		candidates[i] = classifySource(candidate)
	}

	items, err := s.engine.VerifyBatch(c.Request.Context(), classifySource(req.Reference), candidates, req.Threshold)
	if err != nil {
		s.respondErr(c, "/verify_batch", start, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"reference": req.Reference,
		"results":   items,
	})
	s.observe(c, "/verify_batch", start, http.StatusOK, true, "")
}

// extractRequest is the JSON body for /extract_embedding.
type extractRequest struct {
	AudioURL  string `json:"audio_url"`
	AudioPath string `json:"audio_path"`
}

func (s *Server) handleExtractEmbedding(c *gin.Context) {
	start := time.Now()

	var src audio.Source

	if c.ContentType() == "multipart/form-data" {
		fh, err := c.FormFile("audio")
		if err != nil {
			s.respondErr(c, "/extract_embedding", start,
				svcerr.NewInvalidSource("multipart request requires an audio file"))
			return
		}
		var f multipart.File
		src, f, err = openUpload(fh)
		if err != nil {
			s.respondErr(c, "/extract_embedding", start, err)
			return
		}
		defer f.Close()
	} else {
		var req extractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondErr(c, "/extract_embedding", start, svcerr.NewInvalidSource("invalid request body"))
			return
		}
		switch {
		case req.AudioURL != "":
			src = audio.URLSource(req.AudioURL)
		case req.AudioPath != "":
			src = audio.PathSource(req.AudioPath)
		default:
			s.respondErr(c, "/extract_embedding", start, svcerr.NewInvalidSource("missing audio source"))
			return
		}
	}

	emb, err := s.engine.ExtractFromSource(c.Request.Context(), src)
	if err != nil {
		s.respondErr(c, "/extract_embedding", start, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"embedding": emb,
		"dimension": len(emb),
	})
	s.observe(c, "/extract_embedding", start, http.StatusOK, true, "")
}

// compareRequest is the JSON body for /compare_embeddings.
type compareRequest struct {
	Embedding1 []float64 `json:"embedding1"`
	Embedding2 []float64 `json:"embedding2"`
	Threshold  *float64  `json:"threshold"`
}

func (s *Server) handleCompareEmbeddings(c *gin.Context) {
	start := time.Now()

	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, "/compare_embeddings", start, svcerr.NewInvalidSource("invalid request body"))
		return
	}
	if len(req.Embedding1) == 0 || len(req.Embedding2) == 0 {
		s.respondErr(c, "/compare_embeddings", start, svcerr.NewValidationFailed("missing embeddings"))
		return
	}
	if err := validateThreshold(req.Threshold); err != nil {
		s.respondErr(c, "/compare_embeddings", start, err)
		return
	}

	result, err := s.engine.Compare(vector.Embedding(req.Embedding1), vector.Embedding(req.Embedding2), req.Threshold)
	if err != nil {
		s.respondErr(c, "/compare_embeddings", start, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"similarity":      result.Score,
		"is_same_speaker": result.IsSameSpeaker,
		"threshold":       result.Threshold,
		"confidence":      result.Confidence,
	})
	s.observe(c, "/compare_embeddings", start, http.StatusOK, true, "")
}

func (s *Server) handleConfigGet(c *gin.Context) {
	start := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"model_id":            s.runtime.ModelID(),
		"device":              s.runtime.Device(),
		"threshold":           s.runtime.Threshold(),
		"inclusive_threshold": s.runtime.InclusiveThreshold(),
		"max_file_size":       s.cfg.Audio.MaxUploadBytes,
		"allowed_extensions":  s.cfg.Audio.AllowedExtensions,
	})
	s.observe(c, "/config", start, http.StatusOK, true, "")
}

// configUpdate is the JSON body for POST /config.
type configUpdate struct {
	Threshold *float64 `json:"threshold"`
	ModelID   *string  `json:"model_id"`
}

func (s *Server) handleConfigPost(c *gin.Context) {
	start := time.Now()

	var req configUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, "/config", start, svcerr.NewInvalidSource("invalid request body"))
		return
	}

	if req.Threshold != nil {
		if *req.Threshold < -1 || *req.Threshold > 1 {
			s.respondErr(c, "/config", start, svcerr.NewValidationFailed("threshold must be in [-1, 1]"))
			return
		}
		s.runtime.SetThreshold(*req.Threshold)
	}

	if req.ModelID != nil && *req.ModelID != "" && *req.ModelID != s.coord.ModelID() {
		s.runtime.SetModelID(*req.ModelID)
		if _, err := s.coord.Reload(c.Request.Context(), *req.ModelID, s.runtime.Device()); err != nil {
			s.respondErr(c, "/config", start, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"config": gin.H{
			"model_id":  s.runtime.ModelID(),
			"threshold": s.runtime.Threshold(),
		},
	})
	s.observe(c, "/config", start, http.StatusOK, true, "")
}

func (s *Server) handleStats(c *gin.Context) {
	start := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   s.stats.Snapshot(),
	})
	s.observe(c, "/stats", start, http.StatusOK, true, "")
}

func validateThreshold(t *float64) error {
	if t != nil && (*t < -1 || *t > 1) {
		return svcerr.NewValidationFailed("threshold must be in [-1, 1]")
	}
	return nil
}
