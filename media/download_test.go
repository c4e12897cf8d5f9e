/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAgent struct {
	mu      sync.Mutex
	fs      afero.Fs
	calls   int
	payload []byte
	// target overrides where the payload lands
	target string
	err    error
}

func (s *stubAgent) Fetch(_ context.Context, request Request, progress ProgressFunc) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	target := request.Destination
	if s.target != "" {
		target = s.target
	}
	progress(int64(len(s.payload)), int64(len(s.payload)))
	return target, afero.WriteFile(s.fs, target, s.payload, 0o644)
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestFetchFoundOnDiskWithoutNetwork(t *testing.T) {
	fs := afero.NewMemMapFs()
	payload := []byte("wikipedia")
	require.NoError(t, afero.WriteFile(fs, "/build/wikipedia.zim", payload, 0o644))
	agent := &stubAgent{fs: fs, payload: payload}

	cases := []struct {
		name     string
		checksum string
	}{
		{name: "matching checksum", checksum: sha256Of(payload)},
		{name: "no checksum", checksum: ""},
	}
	for _, tt := range cases {
		result, err := NewDownloader(fs, agent).Fetch(context.Background(), Request{
			Source:      "https://example.org/wikipedia.zim",
			Destination: "/build/wikipedia.zim",
			Checksum:    tt.checksum,
		}, nil)
		require.NoError(t, err, tt.name)
		assert.Equal(t, FoundOnDisk, result, tt.name)
	}
	assert.Equal(t, 0, agent.calls)
}

func TestFetchRedownloadsOnMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	payload := []byte("fresh content")
	require.NoError(t, afero.WriteFile(fs, "/build/item", []byte("stale"), 0o644))
	agent := &stubAgent{fs: fs, payload: payload}

	var reported int64
	result, err := NewDownloader(fs, agent).Fetch(context.Background(), Request{
		Source:      "https://example.org/item",
		Destination: "/build/item",
		Checksum:    sha256Of(payload),
	}, func(done int64, total int64) { reported = done })

	require.NoError(t, err)
	assert.Equal(t, Downloaded, result)
	assert.Equal(t, 1, agent.calls)
	assert.Equal(t, int64(len(payload)), reported)

	written, readErr := afero.ReadFile(fs, "/build/item")
	require.NoError(t, readErr)
	assert.Equal(t, payload, written)
}

func TestFetchMovesMetalinkPayload(t *testing.T) {
	fs := afero.NewMemMapFs()
	payload := []byte("maps")
	staging := stagingDir("/build/maps.tar.zst")
	require.NoError(t, fs.MkdirAll(staging, 0o755))
	agent := &stubAgent{fs: fs, payload: payload, target: staging + "/maps-2024.tar.zst"}

	result, err := NewDownloader(fs, agent).Fetch(context.Background(), Request{
		Source:      "https://example.org/maps.tar.zst.meta4",
		Destination: "/build/maps.tar.zst",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Downloaded, result)

	exists, _ := afero.Exists(fs, "/build/maps.tar.zst")
	assert.True(t, exists)
	stagingExists, _ := afero.DirExists(fs, staging)
	assert.False(t, stagingExists)
}

func TestFetchFailures(t *testing.T) {
	fs := afero.NewMemMapFs()

	agentFailure := &stubAgent{fs: fs, err: errors.New("aria2c: exit status 3: resource not found")}
	result, err := NewDownloader(fs, agentFailure).Fetch(context.Background(), Request{
		Source: "https://example.org/missing", Destination: "/build/missing",
	}, nil)
	assert.Equal(t, Failed, result)
	var downloadErr *DownloadError
	require.ErrorAs(t, err, &downloadErr)
	assert.Contains(t, downloadErr.Error(), "resource not found")

	corrupted := &stubAgent{fs: fs, payload: []byte("corrupted")}
	result, err = NewDownloader(fs, corrupted).Fetch(context.Background(), Request{
		Source: "https://example.org/item", Destination: "/build/item", Checksum: sha256Of([]byte("expected")),
	}, nil)
	assert.Equal(t, Failed, result)
	assert.ErrorIs(t, err, errChecksumMismatch)
}

type countingFetcher struct {
	mu      sync.Mutex
	fetched []string
	failOn  string
}

func (c *countingFetcher) Fetch(_ context.Context, request Request, progress ProgressFunc) (Result, error) {
	if request.Source == c.failOn {
		return Failed, &DownloadError{Source: request.Source, Err: errors.New("boom")}
	}
	progress(5, 10)
	c.mu.Lock()
	c.fetched = append(c.fetched, request.Source)
	c.mu.Unlock()
	return Downloaded, nil
}

func TestFetchAll(t *testing.T) {
	requests := []Request{{Source: "a"}, {Source: "b"}, {Source: "c"}}

	fetcher := &countingFetcher{}
	var lastDone, lastTotal int64
	var mu sync.Mutex
	err := FetchAll(context.Background(), fetcher, requests, 2, func(done int64, total int64) {
		mu.Lock()
		lastDone, lastTotal = done, total
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, fetcher.fetched)
	assert.Equal(t, int64(30), lastTotal)
	assert.Equal(t, int64(30), lastDone)

	failing := &countingFetcher{failOn: "b"}
	failErr := FetchAll(context.Background(), failing, requests, 1, nil)
	var downloadErr *DownloadError
	require.ErrorAs(t, failErr, &downloadErr)
	assert.Equal(t, "b", downloadErr.Source)
}

func TestLocalAgentAndRouter(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/logo.png", bytes.Repeat([]byte{1}, 3<<20), 0o644))

	router := Router{Local: Local{Fs: fs}}
	var calls int
	path, err := router.Fetch(context.Background(), Request{Source: "file:///srv/logo.png", Destination: "/build/logo.png"},
		func(done int64, total int64) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, "/build/logo.png", path)
	assert.GreaterOrEqual(t, calls, 3)

	_, routeErr := router.Fetch(context.Background(), Request{Source: "gs://bucket/object"}, nil)
	assert.ErrorContains(t, routeErr, "no download agent")
}

func TestResumeInto(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/build/image.part", []byte("hello "), 0o644))

	var requestedOffset int64 = -1
	open := func(_ context.Context, offset int64) (io.ReadCloser, int64, error) {
		requestedOffset = offset
		return io.NopCloser(strings.NewReader("world")), 11, nil
	}
	require.NoError(t, resumeInto(context.Background(), fs, "/build/image", open, nil))
	assert.Equal(t, int64(6), requestedOffset)

	content, readErr := afero.ReadFile(fs, "/build/image")
	require.NoError(t, readErr)
	assert.Equal(t, "hello world", string(content))
}

func TestSplitBucketURL(t *testing.T) {
	bucket, key, err := splitBucketURL("s3://hotspot/images/base.img.xz", "s3")
	require.NoError(t, err)
	assert.Equal(t, "hotspot", bucket)
	assert.Equal(t, "images/base.img.xz", key)

	_, _, err = splitBucketURL("gs://hotspot/", "gs")
	assert.Error(t, err)
	_, _, err = splitBucketURL("gs://hotspot/x", "s3")
	assert.Error(t, err)
}
