// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up structured logging in a uniform way, and
// redirects klog statements into the structured log.
package logging

import (
	"bufio"
	"flag"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/klog/v2"
)

// Provided by ldflags during build
var (
	release string
	commit  string
	branch  string
)

// Init returns a logger configured with common settings like
// timestamping and source code locations, that drops messages below
// lvl. klog, which client-go logs through, is reconfigured to push
// its logs into this logger.
//
// Init must be called as early as possible in main(), before anything
// logs through klog.
//
// Logging is fundamental so if something goes wrong this will
// os.Exit(1).
func Init(lvl string) log.Logger {
	l := New(os.Stdout, lvl)

	r, w, err := os.Pipe()
	if err != nil {
		Error(l, "op", "startup", "error", err, "msg", "failed to initialize logging: creating pipe for klog redirection")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	// klog writes to stderr unless told otherwise, ignoring SetOutput
	_ = fs.Set("logtostderr", "false")
	_ = fs.Set("alsologtostderr", "false")
	_ = fs.Set("one_output", "true")
	klog.SetOutput(w)
	go collectKlogs(r, l)

	Info(l, "release", release, "commit", commit, "git-branch", branch, "msg", "Starting")

	return l
}

// New returns a JSON logger writing to w that drops messages below
// lvl. Unknown levels mean info.
func New(w io.Writer, lvl string) log.Logger {
	l := log.NewJSONLogger(log.NewSyncWriter(w))
	l = log.With(l, "ts", log.DefaultTimestampUTC)
	l = level.NewFilter(l, allow(lvl))
	return log.With(l, "caller", log.DefaultCaller)
}

func allow(lvl string) level.Option {
	switch strings.ToLower(lvl) {
	case "debug", "trace":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

// Debug logs keyvals at debug level.
func Debug(l log.Logger, keyvals ...interface{}) {
	level.Debug(l).Log(keyvals...)
}

// Info logs keyvals at info level.
func Info(l log.Logger, keyvals ...interface{}) {
	level.Info(l).Log(keyvals...)
}

// Warn logs keyvals at warn level.
func Warn(l log.Logger, keyvals ...interface{}) {
	level.Warn(l).Log(keyvals...)
}

// Error logs keyvals at error level.
func Error(l log.Logger, keyvals ...interface{}) {
	level.Error(l).Log(keyvals...)
}

func collectKlogs(f *os.File, logger log.Logger) {
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var buf []byte
		l, pfx, err := r.ReadLine()
		if err != nil {
			return
		}
		buf = append(buf, l...)
		for pfx {
			l, pfx, err = r.ReadLine()
			if err != nil {
				return
			}
			buf = append(buf, l...)
		}

		lvl, caller, msg := deformat(buf)
		logger.Log(level.Key(), lvl, "caller", caller, "msg", msg)
	}
}

var logPrefix = regexp.MustCompile(`^(.)(\d{2})(\d{2}) (\d{2}):(\d{2}):(\d{2}).(\d{6})\s+\d+ ([^:]+:\d+)] (.*)$`)

func deformat(b []byte) (lvl level.Value, caller, msg string) {
	// Default deconstruction used when anything goes wrong.
	lvl = level.InfoValue()
	caller = ""
	msg = string(b)

	if len(b) < 30 {
		return
	}

	ms := logPrefix.FindSubmatch(b)
	if ms == nil {
		return
	}

	switch ms[1][0] {
	case 'I':
		lvl = level.InfoValue()
	case 'W':
		lvl = level.WarnValue()
	case 'E', 'F':
		lvl = level.ErrorValue()
	}

	caller = string(ms[8])
	msg = string(ms[9])

	return
}
