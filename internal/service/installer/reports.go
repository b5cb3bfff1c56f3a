package installer

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/logger"
	"github.com/oshokin/fwforge/internal/repository/report"
)

// ShowReports prints the stored session ids, or the report of sessionID as YAML.
func ShowReports(ctx context.Context, configPath, sessionID string, out io.Writer) error {
	ctx = logger.WithName(ctx, "fwforge-install")

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := report.Open(cfg.Install.Report)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}

	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Failed to close report store", "error", closeErr)
		}
	}()

	if sessionID == "" {
		ids, listErr := repo.List(ctx)
		if listErr != nil {
			return fmt.Errorf("list reports: %w", listErr)
		}

		for _, id := range ids {
			if _, err = fmt.Fprintln(out, id); err != nil {
				return err
			}
		}

		return nil
	}

	rep, err := repo.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load report %s: %w", sessionID, err)
	}

	contents, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = out.Write(contents)

	return err
}
