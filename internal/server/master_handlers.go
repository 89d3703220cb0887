package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/pipeline"
)

// retrieveChunkBytes is the spec's streaming chunk size for RetrieveVideo
// (spec.md §6 gateway contract references 1 MiB chunks for the analogous
// HTTP surface).
const retrieveChunkBytes = 1 << 20

// handleRegisterWorker implements MasterService.RegisterWorker.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleMaster) {
		return
	}
	var args cluster.RegisterWorkerArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.master.RegisterWorker(args.WorkerAddr))
}

// handleUploadVideo implements MasterService.UploadVideo: a stream of
// UploadVideoFirstChunk-shaped JSON values concatenated in the request
// body (spec.md §6's chunk-sequence model, wire encoding implementation-
// defined). The first value must carry is_first_chunk=true and the upload
// metadata; any stray marker on a later chunk is logged and ignored, its
// data still kept, per spec.md §4.5.
func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleMaster) {
		return
	}

	dec := json.NewDecoder(r.Body)
	var first cluster.UploadVideoFirstChunk
	if err := dec.Decode(&first); err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.UploadVideoReply{Success: false, Message: "missing first chunk: " + err.Error()})
		return
	}
	if !first.IsFirstChunk || first.VideoID == "" {
		writeJSON(w, http.StatusBadRequest, cluster.UploadVideoReply{Success: false, Message: "first chunk must set is_first_chunk and video_id"})
		return
	}

	if err := os.MkdirAll(s.master.DataDir(), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: err.Error()})
		return
	}
	inputPath := filepath.Join(s.master.DataDir(), first.VideoID+"_original.tmp")
	f, err := os.Create(inputPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: err.Error()})
		return
	}
	if _, err := f.Write(first.Data); err != nil {
		f.Close()
		writeJSON(w, http.StatusInternalServerError, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: err.Error()})
		return
	}

	for {
		var chunk cluster.UploadVideoFirstChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			writeJSON(w, http.StatusBadRequest, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: "malformed chunk: " + err.Error()})
			return
		}
		if chunk.IsFirstChunk {
			s.log.WithField("video_id", first.VideoID).Warn("stray is_first_chunk marker on later chunk, ignoring marker")
		}
		if _, err := f.Write(chunk.Data); err != nil {
			f.Close()
			writeJSON(w, http.StatusInternalServerError, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: err.Error()})
			return
		}
	}
	f.Close()

	job := s.master.IngestAndSegment(r.Context(), pipeline.UploadParams{
		VideoID:          first.VideoID,
		TargetWidth:      first.TargetWidth,
		TargetHeight:     first.TargetHeight,
		UpscaleWidth:     first.UpscaleWidth,
		UpscaleHeight:    first.UpscaleHeight,
		OutputFormat:     first.OutputFormat,
		OriginalFilename: first.OriginalFilename,
	}, inputPath)

	status, msg, _ := job.Snapshot()
	if status == pipeline.StatusFailedSegmentation {
		writeJSON(w, http.StatusOK, cluster.UploadVideoReply{VideoID: first.VideoID, Success: false, Message: msg})
		return
	}

	go s.master.Distribute(context.Background(), job)

	writeJSON(w, http.StatusOK, cluster.UploadVideoReply{VideoID: first.VideoID, Success: true, Message: "accepted"})
}

// handleVideoStatus implements MasterService.GetVideoStatus.
func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleMaster) {
		return
	}
	videoID := r.URL.Query().Get("video_id")
	job := s.master.Job(videoID)
	if job == nil {
		writeJSON(w, http.StatusNotFound, cluster.VideoStatusReply{VideoID: videoID, Status: "unknown", Message: "unknown video_id"})
		return
	}
	msg, status := pipeline.VideoStatusMessage(job)
	writeJSON(w, http.StatusOK, cluster.VideoStatusReply{VideoID: videoID, Status: string(status), Message: msg})
}

// handleRetrieveVideo implements MasterService.RetrieveVideo, streaming the
// concatenated output in 1 MiB chunks once the job has reached
// StatusCompleted.
func (s *Server) handleRetrieveVideo(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleMaster) {
		return
	}
	videoID := r.URL.Query().Get("video_id")
	job := s.master.Job(videoID)
	if job == nil {
		http.Error(w, "unknown video_id", http.StatusNotFound)
		return
	}
	status, _, _ := job.Snapshot()
	if status != pipeline.StatusCompleted {
		http.Error(w, fmt.Sprintf("video not ready: status=%s", status), http.StatusConflict)
		return
	}

	path := s.master.OutputPath(job)
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "retrieval_failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, retrieveChunkBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
	}
}

// handleReportShardStatus implements MasterService.ReportWorkerShardStatus.
func (s *Server) handleReportShardStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleMaster) {
		return
	}
	var args cluster.ReportShardStatusArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reqCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	s.met.ShardDistributed(args.Status == string(pipeline.ShardProcessedSuccessfully))
	writeJSON(w, http.StatusOK, s.master.ReportShardStatus(reqCtx, args))
}
