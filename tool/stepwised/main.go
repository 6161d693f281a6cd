/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command stepwised runs the stepwise gateway: an HTTP API plus
// websocket endpoint in front of a pool of headless browser sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/config"
	"github.com/stepwisehq/stepwise/lib/defaults"
	"github.com/stepwisehq/stepwise/lib/limiter"
	"github.com/stepwisehq/stepwise/lib/session"
	"github.com/stepwisehq/stepwise/lib/web"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("Server exited with error.")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	log := logrus.WithField(stepwise.Component, "stepwised")

	limits, err := limiter.New(limiter.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		MaxSessions:        cfg.MaxSessions,
		IdleTimeout:        cfg.IdleTimeout,
		MaxStepsPerSession: cfg.MaxStepsPerSession,
		TempDir:            cfg.TempDir,
		TokenBytes:         cfg.SessionTokenBytes,
		Viewport: browser.Viewport{
			Width:  cfg.ViewportWidth,
			Height: cfg.ViewportHeight,
		},
		NewDriver: func() (session.Driver, error) {
			d, err := browser.New(browser.Config{})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return d, nil
		},
		OnSessionEnd: func(sessionID string) {
			limits.Remove(sessionID)
			if err := os.RemoveAll(web.ExportDir(cfg.TempDir, sessionID)); err != nil {
				log.WithError(err).Warn("Removing export directory failed.")
			}
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Manager:            manager,
		Limiter:            limits,
		ScreencastQuality:  &cfg.ScreencastQuality,
		ScreencastMaxFPS:   cfg.ScreencastMaxFPS,
		MaxStepsPerSession: cfg.MaxStepsPerSession,
		TempDir:            cfg.TempDir,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	errC := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("Listening.")
		errC <- server.ListenAndServe()
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigC:
		log.WithField("signal", sig).Info("Shutting down.")
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownDrain)
	defer cancel()

	// End sessions first so clients get orderly close frames, then drain
	// the HTTP server.
	var errs []error
	if err := manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}
