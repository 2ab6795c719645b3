package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/module"
)

func trainCmd() *cli.Command {
	var (
		dataPath string
		epochs   int64
		rlRounds int64
		rlPosts  int64
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Fit the model to a text file, then optionally reinforce self-scored posts",
		Flags: append(moduleFlags(),
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "text file with one example post per line",
				Destination: &dataPath,
			},
			&cli.Int64Flag{
				Name:        "epochs",
				Usage:       "supervised epochs over the data",
				Value:       10,
				Destination: &epochs,
			},
			&cli.Int64Flag{
				Name:        "rl-rounds",
				Usage:       "reinforcement rounds after supervised training",
				Destination: &rlRounds,
			},
			&cli.Int64Flag{
				Name:        "rl-posts",
				Usage:       "posts generated and scored per reinforcement round",
				Value:       16,
				Destination: &rlPosts,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig(configPath())
			if err != nil {
				return err
			}
			applyModuleConfig(cmd, cfg)

			var posts []codec.Post
			if dataPath != "" {
				if posts, err = readPosts(dataPath); err != nil {
					return err
				}
			}
			if len(posts) == 0 && rlRounds == 0 {
				return fmt.Errorf("nothing to do: set --data or --rl-rounds")
			}

			m, err := buildModule(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Cleanup(context.Background()); err != nil {
					log.Warn("cleanup failed", "error", err)
				}
			}()

			if len(posts) > 0 {
				for e := range epochs {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := m.FitPosts(ctx, posts); err != nil {
						return fmt.Errorf("epoch %d: %w", e, err)
					}
					if err := m.Step(ctx); err != nil {
						return err
					}
					logEpoch(log, m, "supervisedLoss")
				}
			}
			for r := range rlRounds {
				if err := reinforceRound(ctx, m, int(rlPosts)); err != nil {
					return fmt.Errorf("round %d: %w", r, err)
				}
				logEpoch(log, m, "reinforcedScore")
			}

			if snapshotDir != "" {
				return m.Save(ctx, snapshotDir)
			}
			return nil
		},
	}
}

// reinforceRound generates n posts, scores them with scorePost and steps.
func reinforceRound(ctx context.Context, m *module.Module, n int) error {
	var scores []module.Score
	for g, err := range m.Generate(ctx, n) {
		if err != nil {
			return err
		}
		scores = append(scores, module.Score{ID: g.ID, Score: scorePost(g.Post.Text)})
	}
	if err := m.FitScores(ctx, scores); err != nil {
		return err
	}
	return m.Step(ctx)
}

// scorePost rewards posts made of letters, digits, spaces and common
// punctuation. Empty posts score zero.
func scorePost(text string) float64 {
	if text == "" {
		return 0
	}
	var good, total int
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || strings.ContainsRune(".,!?'-", r) {
			good++
		}
	}
	return float64(good) / float64(total)
}

func logEpoch(log logger.Logger, m *module.Module, metric string) {
	for _, s := range m.Metrics() {
		if s.Name != metric || len(s.Series) == 0 {
			continue
		}
		last := s.Series[len(s.Series)-1]
		log.Info("epoch", "epoch", m.Epoch(), metric, last)
	}
}

// readPosts reads one post per non-blank line.
func readPosts(path string) ([]codec.Post, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var posts []codec.Post
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		posts = append(posts, codec.Post{Text: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return posts, nil
}
