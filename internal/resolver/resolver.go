/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolver turns a track URL into normalized metadata. Metadata
// lookup is an external concern; the engine only depends on the Resolver
// interface and treats failures as client-local errors.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/listenlab/roomsync/internal/models"
	"github.com/rs/zerolog"
)

// ErrUnsupportedPlatform indicates the URL does not belong to a supported
// platform.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ResolutionError wraps a failed metadata lookup. It is surfaced to the
// issuing client only; the room is unaffected.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TrackInfo is the normalized metadata returned by a resolver.
type TrackInfo struct {
	Platform     models.Platform
	Title        string
	Artist       string
	DurationMS   int64 // 0 when the platform does not expose duration
	ThumbnailURL string
}

// Resolver resolves a track URL to metadata.
type Resolver interface {
	Resolve(ctx context.Context, trackURL string) (*TrackInfo, error)
}

// DetectPlatform classifies a URL by host.
func DetectPlatform(trackURL string) (models.Platform, error) {
	parsed, err := url.Parse(trackURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	switch {
	case host == "soundcloud.com" || strings.HasSuffix(host, ".soundcloud.com"):
		return models.PlatformSoundCloud, nil
	case host == "open.spotify.com" || host == "spotify.com":
		return models.PlatformSpotify, nil
	case host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com"):
		return models.PlatformYouTube, nil
	default:
		return "", ErrUnsupportedPlatform
	}
}

// oEmbed endpoints per platform. All three platforms expose public oEmbed;
// none of them includes duration, which stays unknown until the client's
// player reports it.
var oembedEndpoints = map[models.Platform]string{
	models.PlatformSoundCloud: "https://soundcloud.com/oembed",
	models.PlatformSpotify:    "https://open.spotify.com/oembed",
	models.PlatformYouTube:    "https://www.youtube.com/oembed",
}

// OEmbed resolves metadata through each platform's public oEmbed endpoint.
type OEmbed struct {
	client    *http.Client
	endpoints map[models.Platform]string
	logger    zerolog.Logger
}

// NewOEmbed creates an oEmbed-backed resolver.
func NewOEmbed(timeout time.Duration, logger zerolog.Logger) *OEmbed {
	return &OEmbed{
		client:    &http.Client{Timeout: timeout},
		endpoints: oembedEndpoints,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
}

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Resolve fetches oEmbed metadata for the URL.
func (r *OEmbed) Resolve(ctx context.Context, trackURL string) (*TrackInfo, error) {
	platform, err := DetectPlatform(trackURL)
	if err != nil {
		return nil, &ResolutionError{URL: trackURL, Err: err}
	}

	endpoint := r.endpoints[platform]
	reqURL := fmt.Sprintf("%s?format=json&url=%s", endpoint, url.QueryEscape(trackURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ResolutionError{URL: trackURL, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ResolutionError{URL: trackURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ResolutionError{URL: trackURL, Err: fmt.Errorf("oembed status %d", resp.StatusCode)}
	}

	var body oembedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ResolutionError{URL: trackURL, Err: fmt.Errorf("decode oembed: %w", err)}
	}

	if body.Title == "" {
		return nil, &ResolutionError{URL: trackURL, Err: errors.New("oembed returned no title")}
	}

	r.logger.Debug().
		Str("platform", string(platform)).
		Str("title", body.Title).
		Msg("resolved track metadata")

	return &TrackInfo{
		Platform:     platform,
		Title:        body.Title,
		Artist:       body.AuthorName,
		ThumbnailURL: body.ThumbnailURL,
	}, nil
}

// WithEndpoint overrides one platform's oEmbed endpoint. Used in tests.
func (r *OEmbed) WithEndpoint(platform models.Platform, endpoint string) *OEmbed {
	endpoints := make(map[models.Platform]string, len(r.endpoints))
	for k, v := range r.endpoints {
		endpoints[k] = v
	}
	endpoints[platform] = endpoint
	return &OEmbed{client: r.client, endpoints: endpoints, logger: r.logger}
}
