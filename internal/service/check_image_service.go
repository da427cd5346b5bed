package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/repository/storage"
	"github.com/rs/zerolog/log"
)

const (
	MaxCheckImageSize   = 10 * 1024 * 1024 // 10MB
	MinCheckImageWidth  = 600
	MinCheckImageHeight = 250
	CheckImageWidth     = 1600
	CheckJPEGQuality    = 90
	CheckImageURLTTL    = 15 * time.Minute
)

var (
	ErrCheckImageTooLarge  = errors.New("check image too large. Maximum size is 10MB")
	ErrCheckImageTooSmall  = errors.New("check image too small. Minimum 600x250 pixels")
	ErrInvalidCheckImage   = errors.New("invalid check image data")
	ErrCheckImageMissing   = errors.New("both front and back check images are required")
	ErrImageStorageMissing = errors.New("image storage not configured")
)

// CheckImages holds the raw front and back captures of a check
type CheckImages struct {
	Front []byte
	Back  []byte
}

// CheckImageService normalises check captures and stores them privately
type CheckImageService struct {
	storage storage.ImageRepository
}

// NewCheckImageService creates a new CheckImageService
func NewCheckImageService(storage storage.ImageRepository) *CheckImageService {
	return &CheckImageService{storage: storage}
}

// IsEnabled indicates whether image storage is configured
func (s *CheckImageService) IsEnabled() bool {
	return s != nil && s.storage != nil
}

// Validate checks both sides without storing anything
func (s *CheckImageService) Validate(images CheckImages) error {
	if len(images.Front) == 0 || len(images.Back) == 0 {
		return ErrCheckImageMissing
	}
	if _, err := decodeCheckImage(images.Front); err != nil {
		return fmt.Errorf("front: %w", err)
	}
	if _, err := decodeCheckImage(images.Back); err != nil {
		return fmt.Errorf("back: %w", err)
	}
	return nil
}

// Store normalises both sides and uploads them under the deposit's prefix.
// It returns the object paths for the front and back images.
func (s *CheckImageService) Store(ctx context.Context, depositID uuid.UUID, images CheckImages) (string, string, error) {
	if !s.IsEnabled() {
		return "", "", ErrImageStorageMissing
	}
	if len(images.Front) == 0 || len(images.Back) == 0 {
		return "", "", ErrCheckImageMissing
	}

	sides := []struct {
		name string
		data []byte
	}{
		{"front", images.Front},
		{"back", images.Back},
	}

	paths := make([]string, 0, len(sides))
	for _, side := range sides {
		encoded, err := normaliseCheckImage(side.data)
		if err != nil {
			s.cleanup(ctx, paths)
			return "", "", fmt.Errorf("%s: %w", side.name, err)
		}

		objectPath := fmt.Sprintf("mobile-deposits/%s/%s.jpg", depositID, side.name)
		path, err := s.storage.Upload(ctx, objectPath, bytes.NewReader(encoded), "image/jpeg", int64(len(encoded)))
		if err != nil {
			s.cleanup(ctx, paths)
			return "", "", fmt.Errorf("failed to upload %s image: %w", side.name, err)
		}
		paths = append(paths, path)
	}

	return paths[0], paths[1], nil
}

// URL returns a short-lived link to a stored check image
func (s *CheckImageService) URL(ctx context.Context, objectPath string) (string, error) {
	if !s.IsEnabled() {
		return "", ErrImageStorageMissing
	}
	return s.storage.GeneratePresignedURL(ctx, objectPath, CheckImageURLTTL)
}

// cleanup removes sides already uploaded during a failed store
func (s *CheckImageService) cleanup(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.storage.Delete(ctx, p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Failed to clean up check image")
		}
	}
}

func decodeCheckImage(data []byte) (image.Image, error) {
	if len(data) > MaxCheckImageSize {
		return nil, ErrCheckImageTooLarge
	}

	// Phone captures carry EXIF orientation
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrInvalidCheckImage
	}

	bounds := img.Bounds()
	if bounds.Dx() < MinCheckImageWidth || bounds.Dy() < MinCheckImageHeight {
		return nil, ErrCheckImageTooSmall
	}
	return img, nil
}

// normaliseCheckImage converts a capture to a grayscale JPEG no wider than
// CheckImageWidth
func normaliseCheckImage(data []byte) ([]byte, error) {
	img, err := decodeCheckImage(data)
	if err != nil {
		return nil, err
	}

	if img.Bounds().Dx() > CheckImageWidth {
		img = imaging.Resize(img, CheckImageWidth, 0, imaging.Lanczos)
	}
	gray := imaging.Grayscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: CheckJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
