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
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"google.golang.org/api/option"
)

func splitBucketURL(source string, scheme string) (string, string, error) {
	parsed, parseErr := url.Parse(source)
	if parseErr != nil {
		return "", "", parseErr
	}
	if parsed.Scheme != scheme || parsed.Host == "" {
		return "", "", fmt.Errorf("%s is not a %s:// url", source, scheme)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%s has no object name", source)
	}
	return parsed.Host, key, nil
}

// CloudStorage fetches gs:// objects, resuming partial downloads.
type CloudStorage struct {
	Fs        afero.Fs
	Anonymous bool
}

func (c CloudStorage) Fetch(ctx context.Context, request Request, progress ProgressFunc) (string, error) {
	bucket, object, splitErr := splitBucketURL(request.Source, "gs")
	if splitErr != nil {
		return "", splitErr
	}

	var options []option.ClientOption
	if c.Anonymous {
		options = append(options, option.WithoutAuthentication())
	}
	client, clientErr := storage.NewClient(ctx, options...)
	if clientErr != nil {
		return "", fmt.Errorf("error creating cloud storage client: %w", clientErr)
	}
	defer client.Close()

	handle := client.Bucket(bucket).Object(object)
	open := func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
		reader, readerErr := handle.NewRangeReader(ctx, offset, -1)
		if readerErr != nil {
			return nil, 0, readerErr
		}
		return reader, reader.Attrs.Size, nil
	}

	if err := resumeInto(ctx, c.Fs, request.Destination, open, progress); err != nil {
		return "", err
	}
	return request.Destination, nil
}

// S3 fetches s3:// objects, resuming partial downloads with range requests.
type S3 struct {
	Fs        afero.Fs
	Region    string
	Anonymous bool
}

func (s S3) client(ctx context.Context) (*s3.Client, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.Anonymous {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if cfgErr != nil {
		return nil, cfgErr
	}
	return s3.NewFromConfig(cfg), nil
}

func (s S3) Fetch(ctx context.Context, request Request, progress ProgressFunc) (string, error) {
	bucket, key, splitErr := splitBucketURL(request.Source, "s3")
	if splitErr != nil {
		return "", splitErr
	}
	client, clientErr := s.client(ctx)
	if clientErr != nil {
		return "", fmt.Errorf("error creating s3 client: %w", clientErr)
	}

	open := func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
		input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
		if offset > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
		output, getErr := client.GetObject(ctx, input)
		if getErr != nil {
			return nil, 0, getErr
		}
		return output.Body, offset + aws.ToInt64(output.ContentLength), nil
	}

	if err := resumeInto(ctx, s.Fs, request.Destination, open, progress); err != nil {
		return "", err
	}
	return request.Destination, nil
}
