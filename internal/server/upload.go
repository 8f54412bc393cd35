package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"dutybot/internal/eventbus"
	"dutybot/internal/source"
	logx "dutybot/pkg/logx"
)

const (
	// maxUploadFiles bounds the request body to this many full-size files.
	maxUploadFiles = 4
	// multipartSlack covers boundaries and part headers on top of the file cap.
	multipartSlack = 64 << 10
)

var allowedUploadTypes = map[string]bool{
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

var (
	errNoFlow      = errors.New("no upload flow")
	errUnknownFlow = errors.New("unknown flow")
)

func msgNotExcel(name string) string {
	return fmt.Sprintf("文件 '%s' 不是有效的 Excel 文件", name)
}
func msgTooLarge(name, limit string) string {
	return fmt.Sprintf("文件 '%s' 大小不允许超过 %s", name, limit)
}
func msgAccepted(name string) string { return fmt.Sprintf("文件 '%s' 已上传成功", name) }

const msgFailed = "服务异常"

// sizeLabel renders a byte cap the way the upload messages expect ("5MB").
func sizeLabel(n int64) string {
	switch {
	case n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// resolveIngester picks the flow an upload targets. An empty id means the
// configured default, or the only ingester when there is exactly one.
func (s *Server) resolveIngester(id string) (string, source.Ingester, error) {
	b := s.current()
	if b.Flows == nil {
		return "", nil, errNoFlow
	}
	ingesters := b.Flows.Ingesters()
	if id == "" {
		id = s.opt.DefaultFlow
	}
	if id == "" {
		if len(ingesters) != 1 {
			return "", nil, errNoFlow
		}
		for only := range ingesters {
			id = only
		}
	}
	in, ok := ingesters[id]
	if !ok {
		return id, nil, errUnknownFlow
	}
	return id, in, nil
}

func (s *Server) uploadForm(w http.ResponseWriter, r *http.Request) {
	id, _, err := s.resolveIngester(r.PathValue("flow"))
	if err != nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	action := "/upload"
	if r.PathValue("flow") != "" {
		action += "/" + id
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := uploadTmpl.Execute(w, struct {
		Flow   string
		Action string
		Limit  string
	}{Flow: id, Action: action, Limit: sizeLabel(s.opt.MaxUploadBytes)}); err != nil {
		s.log.Warn("render upload form", logx.Err(err))
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	id, in, err := s.resolveIngester(r.PathValue("flow"))
	if err != nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	uploadID := uuid.NewString()
	w.Header().Set("X-Upload-Id", uploadID)
	log := s.log.With(logx.String("flow", id), logx.String("upload_id", uploadID))

	limit := s.opt.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadFiles*limit+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	tooBig := func(err error) bool {
		var mbe *http.MaxBytesError
		return errors.As(err, &mbe)
	}
	rejectRequest := func() {
		s.reject(w, log, uploadID, id, "", r.ContentLength, http.StatusRequestEntityTooLarge, "上传文件大小不允许超过 "+sizeLabel(limit))
	}

	var out []string
	files := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tooBig(err) {
				rejectRequest()
				return
			}
			http.Error(w, "invalid multipart form", http.StatusBadRequest)
			return
		}
		name := part.FileName()
		if part.FormName() != "file" || name == "" {
			_ = part.Close()
			continue
		}
		files++

		if !allowedUploadTypes[mediaType(part.Header.Get("Content-Type"))] {
			s.reject(w, log, uploadID, id, name, 0, http.StatusUnsupportedMediaType, append(out, msgNotExcel(name))...)
			return
		}
		// One byte past the limit is enough to tell the file is too large.
		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		_ = part.Close()
		size := int64(len(data))
		switch {
		case err != nil && tooBig(err):
			rejectRequest()
			return
		case err != nil:
			log.Warn("upload read failed", logx.String("filename", name), logx.Err(err))
			s.reject(w, log, uploadID, id, name, size, http.StatusInternalServerError, append(out, msgFailed)...)
			return
		case size > limit:
			s.reject(w, log, uploadID, id, name, size, http.StatusRequestEntityTooLarge, append(out, msgTooLarge(name, sizeLabel(limit)))...)
			return
		}
		if !in.Handle(data) {
			s.reject(w, log, uploadID, id, name, size, http.StatusUnprocessableEntity, append(out, msgFailed)...)
			return
		}
		log.Info("roster uploaded", logx.String("filename", name), logx.Int64("size", size))
		eventbus.Publish(s.opt.Bus, eventbus.UploadAccepted, eventbus.Upload{ID: uploadID, Flow: id, Filename: name, Size: size})
		out = append(out, msgAccepted(name))
	}
	if files == 0 {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, strings.Join(out, "\n"))
}

func (s *Server) reject(w http.ResponseWriter, log logx.Logger, uploadID, flowID, name string, size int64, status int, lines ...string) {
	reason := lines[len(lines)-1]
	log.Warn("roster upload rejected", logx.String("filename", name), logx.Int64("size", size), logx.String("reason", reason))
	eventbus.Publish(s.opt.Bus, eventbus.UploadRejected, eventbus.Upload{ID: uploadID, Flow: flowID, Filename: name, Size: size, Reason: reason})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, strings.Join(lines, "\n"))
}

func mediaType(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}
