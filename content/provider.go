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

package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/offspot/kiwix-hotspot-sub000/report"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Provider supplies the catalog for one run.
type Provider interface {
	Catalog(ctx context.Context) (Catalog, error)
}

// NewProvider picks an HTTP provider for http(s) locations, else reads a file.
func NewProvider(location string, fs afero.Fs) Provider {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPProvider(location)
	}
	return FileProvider{Fs: fs, Path: location}
}

type FileProvider struct {
	Fs   afero.Fs
	Path string
}

func (p FileProvider) Catalog(_ context.Context) (Catalog, error) {
	blob, readErr := afero.ReadFile(p.Fs, p.Path)
	if readErr != nil {
		return Catalog{}, readErr
	}
	var catalog Catalog
	if err := json.Unmarshal(blob, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("parsing catalog %s: %w", p.Path, err)
	}
	return catalog, nil
}

type HTTPProvider struct {
	URL    string
	client *retryablehttp.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = report.RetryableLogger{Entry: logrus.WithField("component", "catalog")}
	client.HTTPClient.Timeout = time.Minute
	client.HTTPClient.Transport = otelhttp.NewTransport(client.HTTPClient.Transport)
	return &HTTPProvider{URL: url, client: client}
}

func (p *HTTPProvider) Catalog(ctx context.Context) (Catalog, error) {
	request, requestErr := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if requestErr != nil {
		return Catalog{}, requestErr
	}
	response, responseErr := p.client.Do(request)
	if responseErr != nil {
		return Catalog{}, responseErr
	}
	defer utility.WrappedClose(response.Body)

	if response.StatusCode != http.StatusOK {
		return Catalog{}, fmt.Errorf("fetching catalog %s: unexpected status %d", p.URL, response.StatusCode)
	}

	var catalog Catalog
	if err := json.NewDecoder(response.Body).Decode(&catalog); err != nil {
		return Catalog{}, fmt.Errorf("parsing catalog %s: %w", p.URL, err)
	}
	return catalog, nil
}
