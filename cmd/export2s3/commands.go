package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/export2s3/internal/api"
	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/export"
	"github.com/andresuchdata/export2s3/internal/pipeline"
)

func runOptions(c *cli.Context) (pipeline.RunOptions, error) {
	opts := pipeline.RunOptions{Force: c.Bool("force")}
	if raw := c.String("run-date"); raw != "" {
		date, err := time.Parse(runDateLayout, raw)
		if err != nil {
			return opts, &domain.ConfigurationError{Field: "run-date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", raw)}
		}
		opts.RunDate = date
	}
	return opts, nil
}

// applyOverrides copies command flags onto the loaded config.
func applyOverrides(c *cli.Context, rt *runtime) {
	if c.IsSet("max-workers") {
		rt.cfg.Transfer.MaxWorkers = c.Int("max-workers")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exportAction(c *cli.Context) error {
	rt := runtimeFrom(c)
	client, err := rt.exporter(c.Context)
	if err != nil {
		return err
	}

	job, items, err := client.Run(c.Context)
	if err != nil {
		return err
	}
	records, err := export.Extract(items)
	if err != nil {
		return err
	}

	out := os.Stdout
	if path := c.String("out"); path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}
	if err := export.WriteManifest(out, job.ID, records); err != nil {
		return err
	}

	rt.log.Info().Str("job_id", job.ID).Int("records", len(records)).Msg("descriptors written")
	return nil
}

func transferAction(c *cli.Context) error {
	rt := runtimeFrom(c)
	applyOverrides(c, rt)
	opts, err := runOptions(c)
	if err != nil {
		return err
	}

	in := os.Stdin
	if path := c.String("in"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}
	jobID, records, err := export.ReadManifest(in)
	if err != nil {
		return err
	}

	orch, err := rt.orchestrator(c.Context, false)
	if err != nil {
		return err
	}
	run, err := orch.Transfer(c.Context, jobID, records, opts)
	return report(run, err)
}

func runAction(c *cli.Context) error {
	rt := runtimeFrom(c)
	applyOverrides(c, rt)
	opts, err := runOptions(c)
	if err != nil {
		return err
	}

	orch, err := rt.orchestrator(c.Context, true)
	if err != nil {
		return err
	}
	run, err := orch.Run(c.Context, opts)
	return report(run, err)
}

// report prints the run summary to stdout.
func report(run *pipeline.Run, err error) error {
	if run != nil {
		if werr := writeJSON(os.Stdout, run); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func checkAction(c *cli.Context) error {
	rt := runtimeFrom(c)
	opts, err := runOptions(c)
	if err != nil {
		return err
	}
	date := opts.RunDate
	if date.IsZero() {
		date = time.Now().UTC()
	}

	orch, err := rt.orchestrator(c.Context, false)
	if err != nil {
		return err
	}
	root, loaded, err := orch.Check(c.Context, date)
	if err != nil {
		return err
	}

	if err := writeJSON(os.Stdout, map[string]any{"target_root": root, "loaded": loaded}); err != nil {
		return err
	}
	if loaded && c.Bool("fail-if-loaded") {
		return cli.Exit(pipeline.ErrAlreadyLoaded.Error(), 3)
	}
	return nil
}

func serveAction(c *cli.Context) error {
	rt := runtimeFrom(c)
	if err := rt.cfg.ValidateStore(); err != nil {
		return err
	}
	if rt.cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	services := &api.Services{}
	store, err := rt.runStore(c.Context)
	if err != nil {
		return err
	}
	if store != nil {
		services.Runs = store
	}
	rc, err := rt.resultCache(c.Context)
	if err != nil {
		return err
	}
	services.Results = rc

	srv := &http.Server{
		Addr:         ":" + rt.cfg.Server.Port,
		Handler:      api.NewRouter(services, rt.cfg.Server.AllowedOrigins, rt.log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info().Str("port", rt.cfg.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-c.Context.Done():
	}
	rt.log.Info().Msg("Shutting down server...")

	// The server has 5 seconds to finish the requests it is handling
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Context), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	rt.log.Info().Msg("Server exiting")
	return nil
}
