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

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/offspot/kiwix-hotspot-sub000/cancel"
	"github.com/offspot/kiwix-hotspot-sub000/media"
	"github.com/offspot/kiwix-hotspot-sub000/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

var compressedSuffixes = []string{".zst", ".zstd", ".xz", ".gz"}

// decompressedName is where a compressed image is extracted next to itself.
func decompressedName(image string) string {
	lowered := strings.ToLower(image)
	for _, suffix := range compressedSuffixes {
		if strings.HasSuffix(lowered, suffix) {
			return image[:len(image)-len(suffix)]
		}
	}
	return image
}

func isRemote(image string) bool {
	return strings.Contains(image, "://") && !strings.HasPrefix(image, "file://")
}

// localPath is where a remote image is cached. Local paths are used as is.
func localPath(image string, cacheDir string) string {
	if !isRemote(image) {
		return strings.TrimPrefix(image, "file://")
	}
	return filepath.Join(cacheDir, path.Base(image))
}

func main() {
	imageName := flag.StringP("image", "i", "", "image to flash: a local path, gs:// or s3:// URL")
	outputDevice := flag.StringP("device", "d", "", "specify which target device to flash the image")
	cacheDir := flag.String("cache", ".", "where remote images are downloaded")
	region := flag.String("s3-region", "us-east-1", "region of s3:// buckets")
	assumeYes := flag.BoolP("yes", "y", false, "do not ask for confirmation")

	flag.Parse()

	if *imageName == "" {
		log.Panic("you must specify a valid disk image")
	}

	localFs := afero.NewOsFs()
	if err := media.ValidateDevice(localFs, *outputDevice, "/proc/mounts"); err != nil {
		log.Panicf("you must specify a valid block device: %v", err)
	}

	registry := cancel.NewRegistry(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logrus.Warn("cancelling")
		registry.Cancel()
	}()
	ctx := registry.Context()

	archive := localPath(*imageName, *cacheDir)
	if isRemote(*imageName) {
		router := media.Router{
			Storage: media.CloudStorage{Fs: localFs, Anonymous: true},
			S3:      media.S3{Fs: localFs, Region: *region, Anonymous: true},
			Local:   media.Local{Fs: localFs},
		}
		logrus.WithField("source", *imageName).Info("downloading image")
		if _, err := media.NewDownloader(localFs, router).Fetch(ctx, media.Request{Source: *imageName, Destination: archive}, nil); err != nil {
			log.Panicf("error downloading image: %v", err)
		}
	}

	image := decompressedName(archive)
	if image != archive {
		logrus.WithField("image", image).Info("decompressing image")
		if err := media.ExtractImage(ctx, localFs, archive, image); err != nil {
			log.Panicf("could not decompress image: %v", err)
		}
	}

	size, sizeErr := media.ImageSize(localFs, image)
	if sizeErr != nil {
		log.Panicf("could not read image: %v", sizeErr)
	}

	if !*assumeYes {
		answer := utility.ConfirmDialog("are you sure you want to flash %s (%s) to %s: [Y/n]: ",
			filepath.Base(image), datasize.ByteSize(size).HumanReadable(), *outputDevice)
		if !answer {
			fmt.Println("nope")
			return
		}
	}

	progress := func(done int64, total int64) {
		logrus.WithField("written", datasize.ByteSize(done).HumanReadable()).Debugf("%d/%d", done, total)
	}
	task := cancel.Go(ctx, func(taskCtx context.Context) error {
		return media.WriteImage(taskCtx, localFs, image, *outputDevice, progress)
	})
	if err := registry.RegisterTask(task); err != nil {
		log.Panicf("could not start writing: %v", err)
	}
	<-task.Done()
	registry.UnregisterTask(task)

	if err := task.Err(); err != nil {
		log.Panicf("could not flash %s: %v", *outputDevice, err)
	}
	logrus.WithField("device", *outputDevice).Info("image flashed")
}
