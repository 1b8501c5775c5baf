// Package attachments turns user supplied files into message attachments:
// data URL decoding, image thumbnails and S3 storage.
package attachments

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	_ "image/gif" // register decoder

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"

	"inboxsync/internal/models"
)

// MaxSize is the largest attachment accepted, in bytes.
const MaxSize = 16 << 20

// ThumbnailSide bounds the longer side of a generated thumbnail.
const ThumbnailSide = 320

// ErrNotImage is returned by Thumbnail for data it cannot decode as an image.
var ErrNotImage = errors.New("attachment is not a decodable image")

// FromDataURL decodes a data URL into an attachment waiting for upload.
func FromDataURL(name, raw string) (models.Attachment, error) {
	if name == "" {
		return models.Attachment{}, fmt.Errorf("attachment name cannot be empty")
	}
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("decode data URL of %q: %w", name, err)
	}
	if len(du.Data) == 0 {
		return models.Attachment{}, fmt.Errorf("attachment %q is empty", name)
	}
	if len(du.Data) > MaxSize {
		return models.Attachment{}, fmt.Errorf("attachment %q is %d bytes, limit is %d", name, len(du.Data), MaxSize)
	}
	return models.Attachment{
		Name:     name,
		MimeType: du.MediaType.ContentType(),
		Size:     len(du.Data),
		Data:     du.Data,
	}, nil
}

// ToDataURL encodes attachment bytes, used for inline previews.
func ToDataURL(att models.Attachment) string {
	mime := att.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return dataurl.New(att.Data, mime).String()
}

// IsImage reports whether mimeType is an image type thumbnails can be made of.
func IsImage(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif":
		return true
	}
	return false
}

// Thumbnail scales an image so its longer side is at most maxSide, keeping
// the aspect ratio. PNG input stays PNG; everything else becomes JPEG.
func Thumbnail(data []byte, maxSide uint) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	thumb := resize.Thumbnail(maxSide, maxSide, img, resize.Lanczos3)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, thumb); err != nil {
			return nil, "", fmt.Errorf("encode png thumbnail: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg thumbnail: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// extensionFor maps a MIME type to a file extension.
func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	case strings.HasPrefix(mimeType, "text/plain"):
		return ".txt"
	}
	return ".bin"
}

// mediaFolder groups objects by kind.
func mediaFolder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "documents"
}
