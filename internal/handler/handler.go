package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/imaging"
	"github.com/shogo82148/go-sfv"
)

// DefaultTimeout bounds how long a request waits for its picture.
const DefaultTimeout = 2 * time.Minute

// PictureHandler renders cached picture variants over HTTP. Every request is
// a headless target of the cache: it waits for its own delivery and encodes
// the bitmap in the requested format.
//
//	GET /picture?url=...&uuid=...&height=|width=...&format=&lifespan=&date=&variant=&offline=
type PictureHandler struct {
	Cache   *picturecache.Cache
	Timeout time.Duration
}

func NewPictureHandler(cache *picturecache.Cache, timeout time.Duration) *PictureHandler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PictureHandler{
		Cache:   cache,
		Timeout: timeout,
	}
}

// ServeHTTP handles the /picture requests.
//
// Flow:
// 1. Parses the query into a picture request.
// 2. Registers a headless target and waits for its delivery.
// 3. Withdraws the target if the client leaves or the timeout fires.
// 4. Encodes the delivered bitmap, or answers 404 for a placeholder.
func (h *PictureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, target, err := parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.Cache.RequestPicture(req, target)
	if err != nil {
		if errors.Is(err, picturecache.ErrInvalidKey) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Failed to request picture", "url", req.URL, "uuid", req.UUID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	d, err := target.Wait(ctx)
	if err != nil {
		h.Cache.RemoveLoader(target, "")
		if r.Context().Err() != nil {
			slog.Debug("Client left before delivery", "url", req.URL)
			return
		}
		http.Error(w, "Timed out waiting for picture", http.StatusGatewayTimeout)
		return
	}

	setStatusHeader(w, status)
	if d.Placeholder() {
		http.Error(w, "Picture not available", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, d.Image, req.StorageType); err != nil {
		slog.Error("Failed to encode picture", "url", d.URL, "error", err)
		http.Error(w, "Failed to encode picture", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(buf.Bytes()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("Failed to write picture", "url", d.URL, "error", err)
	}
}

// setStatusHeader reports how the picture was resolved as a Structured
// Field token: delivered (memory), pending (download job) or unchanged.
func setStatusHeader(w http.ResponseWriter, status picturecache.Status) {
	val, err := sfv.EncodeItem(sfv.Item{Value: sfv.Token(status.String())})
	if err != nil {
		return
	}
	w.Header().Set("Picture-Status", val)
}

func parseRequest(r *http.Request) (picturecache.Request, *picturecache.ResultHandler, error) {
	q := r.URL.Query()
	req := picturecache.Request{
		URL:  q.Get("url"),
		UUID: q.Get("uuid"),
	}
	target := picturecache.NewResultHandler()

	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return req, nil, fmt.Errorf("url %q is not an http(s) url", req.URL)
		}
	}

	height, width := q.Get("height"), q.Get("width")
	switch {
	case height != "" && width != "":
		return req, nil, fmt.Errorf("height and width are exclusive")
	case height != "":
		n, err := strconv.Atoi(height)
		if err != nil || n < 0 {
			return req, nil, fmt.Errorf("invalid height %q", height)
		}
		req.Dimension = n
	case width != "":
		n, err := strconv.Atoi(width)
		if err != nil || n < 0 {
			return req, nil, fmt.Errorf("invalid width %q", width)
		}
		req.Dimension = n
		req.WidthBased = true
	}

	var err error
	if req.StorageType, err = picturecache.ParseStorageType(q.Get("format")); err != nil {
		return req, nil, err
	}
	if req.LifeSpan, err = picturecache.ParseLifeSpan(q.Get("lifespan")); err != nil {
		return req, nil, err
	}
	if date := q.Get("date"); date != "" {
		if req.ItemDate, err = strconv.ParseInt(date, 10, 64); err != nil {
			return req, nil, fmt.Errorf("invalid date %q", date)
		}
	}

	switch v := q.Get("variant"); v {
	case "":
	case "rounded":
		target.Persist = imaging.Rounded{}
	default:
		return req, nil, fmt.Errorf("unknown variant %q", v)
	}
	if offline, _ := strconv.ParseBool(q.Get("offline")); offline {
		target.Offline = true
	}
	return req, target, nil
}
