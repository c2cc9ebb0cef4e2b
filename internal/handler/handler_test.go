package handler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasew/picturecache"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPictureHandler(t *testing.T) {
	opaque := encodePNG(t, 40, 20, color.White)
	translucent := encodePNG(t, 40, 20, color.NRGBA{R: 255, A: 128})
	square := encodePNG(t, 80, 80, color.White)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/opaque.png":
			_, _ = w.Write(opaque)
		case "/translucent.png":
			_, _ = w.Write(translucent)
		case "/square.png":
			_, _ = w.Write(square)
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer origin.Close()

	cache, err := picturecache.Open(t.Context(), picturecache.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	h := NewPictureHandler(cache, 5*time.Second)

	get := func(t *testing.T, method string, query url.Values) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, "/picture?"+query.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("Render Height", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/translucent.png"}, "height": {"10"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("expected image/png, got %s", ct)
		}
		img, err := png.Decode(w.Body)
		if err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if got := img.Bounds().Dy(); got != 10 {
			t.Errorf("expected height 10, got %d", got)
		}
		if got := w.Header().Get("Picture-Status"); got != "pending" {
			t.Errorf("expected Picture-Status pending, got %q", got)
		}
	})

	t.Run("Render Width As JPEG", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/opaque.png"}, "width": {"20"}, "format": {"jpeg"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected image/jpeg, got %s", ct)
		}
		if w.Header().Get("Content-Length") == "" {
			t.Errorf("expected Content-Length header")
		}
	})

	t.Run("Auto Format Picks JPEG For Opaque", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/opaque.png"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected image/jpeg, got %s", ct)
		}
	})

	t.Run("Rounded Variant", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/square.png"}, "variant": {"rounded"}, "format": {"png"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		img, err := png.Decode(w.Body)
		if err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
			t.Errorf("expected transparent corner, got alpha %d", a)
		}
	})

	t.Run("Fetch Failure", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/fail"}})
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("Offline Miss", func(t *testing.T) {
		w := get(t, "GET", url.Values{"url": {origin.URL + "/never.png"}, "offline": {"1"}})
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("HEAD", func(t *testing.T) {
		w := get(t, "HEAD", url.Values{"url": {origin.URL + "/opaque.png"}, "height": {"5"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %d bytes", w.Body.Len())
		}
	})

	t.Run("Local Files Are Refused", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "private.png")
		if err := os.WriteFile(path, opaque, 0644); err != nil {
			t.Fatal(err)
		}
		for _, src := range []string{path, "file://" + path} {
			w := get(t, "GET", url.Values{"url": {src}})
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", src, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct == "image/jpeg" || ct == "image/png" {
				t.Errorf("%s: served a picture (%s)", src, ct)
			}
		}
	})

	for _, tc := range []struct {
		name  string
		query url.Values
	}{
		{"Missing Identity", url.Values{}},
		{"Height And Width", url.Values{"url": {"http://x/a.png"}, "height": {"1"}, "width": {"1"}}},
		{"Bad Height", url.Values{"url": {"http://x/a.png"}, "height": {"abc"}}},
		{"Bad Format", url.Values{"url": {"http://x/a.png"}, "format": {"gif"}}},
		{"Bad Lifespan", url.Values{"url": {"http://x/a.png"}, "lifespan": {"forever"}}},
		{"Bad Variant", url.Values{"url": {"http://x/a.png"}, "variant": {"blurred"}}},
		{"Unsupported Scheme", url.Values{"url": {"ftp://x/a.png"}}},
		{"Relative URL", url.Values{"url": {"a.png"}}},
	} {
		t.Run(fmt.Sprintf("Bad Request %s", tc.name), func(t *testing.T) {
			w := get(t, "GET", tc.query)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d. Body: %s", w.Code, w.Body.String())
			}
		})
	}

	t.Run("Method Not Allowed", func(t *testing.T) {
		w := get(t, "POST", url.Values{"url": {origin.URL + "/opaque.png"}})
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
	})
}
