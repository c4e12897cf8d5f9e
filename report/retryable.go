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

package report

import (
	"github.com/sirupsen/logrus"
)

// RetryableLogger lets go-retryablehttp log through logrus.
type RetryableLogger struct {
	Entry *logrus.Entry
}

func (r RetryableLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return r.Entry.WithFields(fields)
}

func (r RetryableLogger) Error(msg string, keysAndValues ...interface{}) {
	r.fields(keysAndValues).Error(msg)
}

func (r RetryableLogger) Info(msg string, keysAndValues ...interface{}) {
	r.fields(keysAndValues).Info(msg)
}

func (r RetryableLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.fields(keysAndValues).Debug(msg)
}

func (r RetryableLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.fields(keysAndValues).Warn(msg)
}
