package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// StorageService uploads artifact images to Supabase object storage.
// Identical bytes seen again within the dedupe window reuse the previous
// object path instead of re-uploading (agents tend to re-surface the same
// screenshot in memory across turns).
type StorageService struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
	dedupe     *cache.Cache
	limiter    *rate.Limiter
}

// NewStorageService creates an uploader for the given Supabase project and
// bucket. uploadsPerSecond paces uploads across all sessions.
func NewStorageService(baseURL, serviceKey, bucket string, uploadsPerSecond int) *StorageService {
	if uploadsPerSecond <= 0 {
		uploadsPerSecond = 4
	}
	return &StorageService{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		dedupe:  cache.New(1*time.Hour, 10*time.Minute),
		limiter: rate.NewLimiter(rate.Limit(uploadsPerSecond), uploadsPerSecond),
	}
}

// Upload stores one PNG under {sessionID}/{uuid}.png and returns the
// object path. No retries: one failed upload drops only that artifact.
func (s *StorageService) Upload(ctx context.Context, sessionID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	dedupeKey := sessionID + ":" + hex.EncodeToString(sum[:])
	if cached, found := s.dedupe.Get(dedupeKey); found {
		return cached.(string), nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("upload cancelled while waiting for rate limiter: %w", err)
	}

	objectPath := fmt.Sprintf("%s/%s.png", sessionID, uuid.NewString())
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s?cacheControl=3600&upsert=true",
		s.baseURL, s.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "image/png")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("storage upload failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	s.dedupe.Set(dedupeKey, objectPath, cache.DefaultExpiration)
	return objectPath, nil
}
