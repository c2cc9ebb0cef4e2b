package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// StorageType controls the file format of a persisted variant.
type StorageType int

const (
	// Auto stores opaque images as JPEG and images with transparency as PNG.
	Auto StorageType = iota
	PNG
	JPEG
)

func (s StorageType) String() string {
	switch s {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	default:
		return "auto"
	}
}

// Extension returns the file extension used for files of this type.
func (s StorageType) Extension() string {
	switch s {
	case PNG:
		return ".png"
	case JPEG:
		return ".jpg"
	default:
		return ".img"
	}
}

func (s StorageType) code() byte {
	switch s {
	case PNG:
		return 'p'
	case JPEG:
		return 'j'
	default:
		return 'a'
	}
}

func storageTypeFromCode(c string) (StorageType, bool) {
	switch c {
	case "a":
		return Auto, true
	case "p":
		return PNG, true
	case "j":
		return JPEG, true
	}
	return Auto, false
}

// ParseStorageType parses the names returned by String.
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return Auto, fmt.Errorf("unknown storage type %q", s)
}

// CacheKey identifies one variant of a picture: its stable UUID, the target
// dimension and whether that dimension is a width or a height, the storage
// format and an optional variant suffix such as "_r" for rounded corners.
//
// CacheKey is a value type; two keys are equal iff their String forms are.
type CacheKey struct {
	uuid       string
	dimension  int
	widthBased bool
	storage    StorageType
	variant    string
}

// NewKey builds a key. It fails with ErrInvalidKey when uuid is empty or the
// dimension is negative.
func NewKey(uuid string, dimension int, widthBased bool, storage StorageType, variant string) (CacheKey, error) {
	if uuid == "" {
		return CacheKey{}, fmt.Errorf("%w: empty uuid", ErrInvalidKey)
	}
	if dimension < 0 {
		return CacheKey{}, fmt.Errorf("%w: negative dimension %d", ErrInvalidKey, dimension)
	}
	return CacheKey{
		uuid:       uuid,
		dimension:  dimension,
		widthBased: widthBased,
		storage:    storage,
		variant:    variant,
	}, nil
}

func (k CacheKey) UUID() string              { return k.uuid }
func (k CacheKey) Dimension() int            { return k.dimension }
func (k CacheKey) WidthBased() bool          { return k.widthBased }
func (k CacheKey) StorageType() StorageType  { return k.storage }
func (k CacheKey) Variant() string           { return k.variant }
func (k CacheKey) IsZero() bool              { return k.uuid == "" }
func (k CacheKey) Equal(other CacheKey) bool { return k.String() == other.String() }

// String is the stable serialized form, used as the persistence primary key.
//
// Format: <uuid>_<dimension><h|w>_<a|p|j>_<variant>, where '%' and '_' inside
// the uuid and the variant are percent-escaped so the separators stay unique.
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString(escapeField(k.uuid))
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(k.dimension))
	if k.widthBased {
		b.WriteByte('w')
	} else {
		b.WriteByte('h')
	}
	b.WriteByte('_')
	b.WriteByte(k.storage.code())
	b.WriteByte('_')
	b.WriteString(escapeField(k.variant))
	return b.String()
}

// ParseKey is the inverse of String.
func ParseKey(s string) (CacheKey, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 {
		return CacheKey{}, fmt.Errorf("%w: malformed key %q", ErrInvalidKey, s)
	}
	uuid, err := unescapeField(parts[0])
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dim := parts[1]
	if len(dim) < 2 {
		return CacheKey{}, fmt.Errorf("%w: malformed dimension in %q", ErrInvalidKey, s)
	}
	var widthBased bool
	switch dim[len(dim)-1] {
	case 'w':
		widthBased = true
	case 'h':
	default:
		return CacheKey{}, fmt.Errorf("%w: malformed dimension in %q", ErrInvalidKey, s)
	}
	n, err := strconv.Atoi(dim[:len(dim)-1])
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	storage, ok := storageTypeFromCode(parts[2])
	if !ok {
		return CacheKey{}, fmt.Errorf("%w: unknown storage code in %q", ErrInvalidKey, s)
	}
	variant, err := unescapeField(parts[3])
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKey(uuid, n, widthBased, storage, variant)
}

// Filename is the on-disk name of the file holding this variant.
func (k CacheKey) Filename() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:20]) + k.storage.Extension()
}

// FinalHeight returns the height a decoded source of srcWidth x srcHeight
// must end up with for this key. 0 means no resize.
//
// Height-based keys always target their dimension. Width-based keys are a
// maximum width: sources narrower than it keep their size.
func (k CacheKey) FinalHeight(srcWidth, srcHeight int) int {
	if k.dimension == 0 {
		return 0
	}
	if !k.widthBased {
		return k.dimension
	}
	if srcWidth <= 0 || srcWidth <= k.dimension {
		return srcHeight
	}
	return srcHeight * k.dimension / srcWidth
}

// WithUUID returns a copy of k bound to another identity. It is how an
// archived version of a picture is stored next to the current one.
func (k CacheKey) WithUUID(uuid string) (CacheKey, error) {
	return NewKey(uuid, k.dimension, k.widthBased, k.storage, k.variant)
}

func escapeField(s string) string {
	if !strings.ContainsAny(s, "%_") {
		return s
	}
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "_", "%5F")
}

func unescapeField(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "5F":
			b.WriteByte('_')
		default:
			return "", fmt.Errorf("bad escape %q", s[i:i+3])
		}
		i += 2
	}
	return b.String(), nil
}
