package imagecodec

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxDimension = 512
	DefaultMaxBytes     = 15000

	// Sources are bounded before decoding: the raster is allocated from
	// the header dimensions.
	DefaultMaxSourceBytes = 20 << 20
	DefaultMaxPixels      = 4096 * 4096

	// Quality is tracked in percent so the loop steps exactly:
	// 60, 50, 40, 30, 20, 10 gives at most six encodings.
	startQuality = 60
	minQuality   = 10
	qualityStep  = 10

	MimeJPEG = "image/jpeg"
)

// Source is either a remote URL (http, https or data:) or raw image bytes.
type Source struct {
	URL  string
	Data []byte
}

func (s Source) Empty() bool {
	return strings.TrimSpace(s.URL) == "" && len(s.Data) == 0
}

func (s Source) describe() string {
	switch {
	case strings.HasPrefix(s.URL, "data:"):
		return "data url"
	case s.URL != "":
		return s.URL
	default:
		return fmt.Sprintf("%d raw bytes", len(s.Data))
	}
}

// Pass records one encoding attempt of the quality loop.
type Pass struct {
	Quality    float64 `json:"quality"`
	ByteLength int     `json:"byteLength"`
}

// Compressed is the on-chain ready representation. ByteLength is the length
// of EncodedData, which is exactly what is sent as the imageData argument.
// WithinBudget is false when the quality floor was hit before the ceiling:
// the result is still returned (best effort, not a hard cap).
type Compressed struct {
	EncodedData    string  `json:"-"`
	ByteLength     int     `json:"byteLength"`
	MimeType       string  `json:"mimeType"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	OriginalWidth  int     `json:"originalWidth"`
	OriginalHeight int     `json:"originalHeight"`
	Quality        float64 `json:"quality"`
	Passes         []Pass  `json:"passes"`
	WithinBudget   bool    `json:"withinBudget"`
}

// FetchError means the source could not be loaded.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch image %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError means the payload was loaded but is not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Options struct {
	MaxDimension   int
	MaxBytes       int
	MaxSourceBytes int
	MaxPixels      int
	HTTPClient     *resty.Client
}

// Codec fetches images and re-encodes them under a byte budget.
type Codec struct {
	maxDim    int
	maxBytes  int
	maxSource int
	maxPixels int
	http      *resty.Client
}

func New(opts Options) *Codec {
	c := &Codec{
		maxDim:    opts.MaxDimension,
		maxBytes:  opts.MaxBytes,
		maxSource: opts.MaxSourceBytes,
		maxPixels: opts.MaxPixels,
		http:      opts.HTTPClient,
	}
	if c.maxDim <= 0 {
		c.maxDim = DefaultMaxDimension
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if c.maxSource <= 0 {
		c.maxSource = DefaultMaxSourceBytes
	}
	if c.maxPixels <= 0 {
		c.maxPixels = DefaultMaxPixels
	}
	if c.http == nil {
		c.http = resty.New().SetTimeout(30 * time.Second)
	}
	return c
}

func (c *Codec) MaxBytes() int     { return c.maxBytes }
func (c *Codec) MaxDimension() int { return c.maxDim }

// Compress loads src, scales it to fit MaxDimension and encodes it as JPEG,
// lowering quality until the encoding fits MaxBytes or the floor is reached.
func (c *Codec) Compress(ctx context.Context, src Source) (*Compressed, error) {
	raw, err := c.load(ctx, src)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(c.maxPixels) {
		return nil, &DecodeError{Err: fmt.Errorf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, c.maxPixels)}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	bounds := img.Bounds()
	width, height := TargetSize(bounds.Dx(), bounds.Dy(), c.maxDim)
	canvas := resample(img, width, height)

	quality := startQuality
	encoded, err := encodeJPEG(canvas, quality)
	if err != nil {
		return nil, err
	}
	passes := []Pass{{Quality: percent(quality), ByteLength: len(encoded)}}

	for len(encoded) > c.maxBytes && quality > minQuality {
		quality -= qualityStep
		encoded, err = encodeJPEG(canvas, quality)
		if err != nil {
			return nil, err
		}
		passes = append(passes, Pass{Quality: percent(quality), ByteLength: len(encoded)})
		log.Debug().Float64("quality", percent(quality)).Int("bytes", len(encoded)).Msg("reduced image quality")
	}

	out := &Compressed{
		EncodedData:    encoded,
		ByteLength:     len(encoded),
		MimeType:       MimeJPEG,
		Width:          width,
		Height:         height,
		OriginalWidth:  bounds.Dx(),
		OriginalHeight: bounds.Dy(),
		Quality:        percent(quality),
		Passes:         passes,
		WithinBudget:   len(encoded) <= c.maxBytes,
	}

	event := log.Info()
	if !out.WithinBudget {
		event = log.Warn()
	}
	event.
		Str("format", format).
		Int("originalWidth", out.OriginalWidth).
		Int("originalHeight", out.OriginalHeight).
		Int("width", width).
		Int("height", height).
		Int("bytes", out.ByteLength).
		Int("passes", len(passes)).
		Bool("withinBudget", out.WithinBudget).
		Msg("image compressed")

	return out, nil
}

func (c *Codec) load(ctx context.Context, src Source) ([]byte, error) {
	if len(src.Data) > 0 {
		if len(src.Data) > c.maxSource {
			return nil, &DecodeError{Err: c.tooLarge()}
		}
		return src.Data, nil
	}
	url := strings.TrimSpace(src.URL)
	if url == "" {
		return nil, &FetchError{Source: src.describe(), Err: fmt.Errorf("empty image source")}
	}
	if strings.HasPrefix(url, "data:") {
		if len(url) > base64.StdEncoding.EncodedLen(c.maxSource)+256 {
			return nil, &DecodeError{Err: c.tooLarge()}
		}
		data, err := decodeDataURL(url)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		return data, nil
	}

	resp, err := c.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, &FetchError{Source: url, Err: err}
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.IsError() {
		return nil, &FetchError{Source: url, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	body, err := io.ReadAll(io.LimitReader(raw, int64(c.maxSource)+1))
	if err != nil {
		return nil, &FetchError{Source: url, Err: err}
	}
	if len(body) > c.maxSource {
		return nil, &FetchError{Source: url, Err: c.tooLarge()}
	}
	if len(body) == 0 {
		return nil, &FetchError{Source: url, Err: fmt.Errorf("empty body")}
	}
	return body, nil
}

func (c *Codec) tooLarge() error {
	return fmt.Errorf("image source exceeds %d bytes", c.maxSource)
}

// TargetSize scales (w, h) uniformly so the larger axis equals bound when
// either axis exceeds bound. Smaller images keep their size.
func TargetSize(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		return bound, atLeastOne(roundDiv(h*bound, w))
	}
	return atLeastOne(roundDiv(w*bound, h)), bound
}

// EstimateGas approximates the calldata gas for n bytes of image data on
// top of the base transaction cost.
func EstimateGas(n int) uint64 {
	const (
		baseGas    = 21000
		gasPerByte = 68
	)
	if n < 0 {
		n = 0
	}
	return baseGas + uint64(n)*gasPerByte
}

func resample(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	// JPEG has no alpha channel; flatten onto white like a canvas export would.
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:" + MimeJPEG + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeDataURL(raw string) ([]byte, error) {
	comma := strings.IndexByte(raw, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	header, payload := raw[len("data:"):comma], raw[comma+1:]
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("data url payload: %w", err)
	}
	return data, nil
}

func percent(q int) float64 { return float64(q) / 100 }

func roundDiv(num, den int) int {
	return (num + den/2) / den
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
