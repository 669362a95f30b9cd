package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	"github.com/mirkobrombin/go-crowdlock/v1/config"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

// seedFile is the YAML layout accepted by the import command.
type seedFile struct {
	Projects []seedProject `yaml:"projects"`
	Profiles []seedProfile `yaml:"profiles"`
}

type seedProject struct {
	ID              string        `yaml:"id"`
	ShortName       string        `yaml:"short_name"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	GoldProbability float64       `yaml:"gold_probability"`
	MaxOffset       int           `yaml:"max_offset"`
	Randomize       bool          `yaml:"randomize"`
	Tasks           []seedTask    `yaml:"tasks"`
}

type seedTask struct {
	ID        string             `yaml:"id"`
	Required  int                `yaml:"n_answers"`
	Priority  float64            `yaml:"priority"`
	Gold      bool               `yaml:"gold"`
	Filter    map[string][]any   `yaml:"filter"`
	Weights   map[string]float64 `yaml:"weights"`
	ExpiresAt *time.Time         `yaml:"expires_at"`
	Info      map[string]any     `yaml:"info"`
}

type seedProfile struct {
	UserID     string         `yaml:"user_id"`
	Attributes map[string]any `yaml:"attributes"`
}

func newImportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load projects, tasks and worker profiles into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			n, err := importFile(cmd.Context(), cfg.Database, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d tasks\n", n)
			return nil
		},
	}
}

func encodeJSON(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	return sonic.MarshalString(v)
}

func importFile(ctx context.Context, dbCfg config.DatabaseConfig, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	db, err := adapter.OpenDB(dbCfg.Driver, dbCfg.DSN)
	if err != nil {
		return 0, err
	}
	repo, err := adapter.NewGormRepository(db)
	if err != nil {
		return 0, err
	}
	defer repo.Close()

	now := time.Now().UTC()
	count := 0
	for _, p := range seed.Projects {
		err := repo.SaveProject(ctx, &task.Project{
			ID:              p.ID,
			ShortName:       p.ShortName,
			TaskTimeout:     p.TaskTimeout,
			GoldProbability: p.GoldProbability,
			MaxOffset:       p.MaxOffset,
			Randomize:       p.Randomize,
		})
		if err != nil {
			return count, err
		}
		for i, st := range p.Tasks {
			filter, err := encodeJSON(st.Filter, len(st.Filter) == 0)
			if err != nil {
				return count, fmt.Errorf("task %s filter: %w", st.ID, err)
			}
			weights, err := encodeJSON(st.Weights, len(st.Weights) == 0)
			if err != nil {
				return count, fmt.Errorf("task %s weights: %w", st.ID, err)
			}
			var info json.RawMessage
			if len(st.Info) > 0 {
				if info, err = sonic.Marshal(st.Info); err != nil {
					return count, fmt.Errorf("task %s info: %w", st.ID, err)
				}
			}
			err = repo.SaveTask(ctx, &task.Task{
				ID:        st.ID,
				ProjectID: p.ID,
				State:     task.StateOngoing,
				Required:  st.Required,
				Priority:  st.Priority,
				Gold:      st.Gold,
				Filter:    filter,
				Weights:   weights,
				ExpiresAt: st.ExpiresAt,
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
				Info:      info,
			})
			if err != nil {
				return count, err
			}
			count++
		}
	}
	for _, p := range seed.Profiles {
		if err := repo.SaveProfile(ctx, p.UserID, task.Profile(p.Attributes)); err != nil {
			return count, err
		}
	}
	return count, nil
}
