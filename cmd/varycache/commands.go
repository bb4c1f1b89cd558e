package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "print the entries of a resource matching the request parameters",
	ArgsUsage: "ID [NAME=VALUE ...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "content",
			Usage: "print the content of the first matching entry instead of JSON",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := resourceID(cctx)
		if err != nil {
			return err
		}

		vary, err := parsePairs(cctx.Args().Tail())
		if err != nil {
			return err
		}

		params := make(types.Params, len(vary))
		for name, value := range vary {
			if value != nil {
				params[name] = *value
			}
		}

		return oneShot(cctx, func(ctx context.Context, rt *runtime) error {
			entries, err := rt.store.Get(ctx, id, params)
			if err != nil {
				return err
			}

			if cctx.Bool("content") {
				if len(entries) == 0 {
					return cli.Exit("miss", 2)
				}
				_, err = cctx.App.Writer.Write(entries[0].Content)
				return err
			}

			return printJSON(cctx, map[string]interface{}{
				"id":      id,
				"hit":     len(entries) > 0,
				"entries": entries,
			})
		})
	},
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "store one entry for a resource",
	ArgsUsage: "ID",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "vary",
			Usage: "NAME=VALUE the entry varies on; a bare NAME records the parameter as absent",
		},
		&cli.StringFlag{
			Name:  "content",
			Usage: "entry content",
		},
		&cli.StringFlag{
			Name:  "file",
			Usage: "read the entry content from a file, or stdin when \"-\"",
		},
		&cli.DurationFlag{
			Name:  "max-store-for",
			Usage: "how long the entry may be kept; zero keeps it until evicted",
			Value: 10 * time.Minute,
		},
		&cli.DurationFlag{
			Name:  "initial-age",
			Usage: "age the content already had when it was received",
		},
		&cli.StringSliceFlag{
			Name:  "validator",
			Usage: "NAME=VALUE revalidation data such as etag",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := resourceID(cctx)
		if err != nil {
			return err
		}

		vary, err := parsePairs(cctx.StringSlice("vary"))
		if err != nil {
			return err
		}

		validators, err := parseValidators(cctx.StringSlice("validator"))
		if err != nil {
			return err
		}

		content, err := readContent(cctx)
		if err != nil {
			return err
		}

		maxStoreFor := cctx.Duration("max-store-for")
		if maxStoreFor == 0 {
			maxStoreFor = types.StoreForever
		}

		input := types.StoreEntryInput{
			Entry: types.Entry{
				ID:         id,
				Vary:       vary,
				Content:    content,
				Date:       time.Now(),
				InitialAge: cctx.Duration("initial-age"),
				Validators: validators,
			},
			MaxStoreFor: maxStoreFor,
		}

		return oneShot(cctx, func(ctx context.Context, rt *runtime) error {
			if err := rt.store.Store(ctx, []types.StoreEntryInput{input}); err != nil {
				return err
			}

			return printJSON(cctx, map[string]interface{}{
				"id":     id,
				"stored": true,
			})
		})
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "remove every variant of a resource",
	ArgsUsage: "ID",
	Action: func(cctx *cli.Context) error {
		id, err := resourceID(cctx)
		if err != nil {
			return err
		}

		return oneShot(cctx, func(ctx context.Context, rt *runtime) error {
			if err := rt.store.Delete(ctx, id); err != nil {
				return err
			}

			return printJSON(cctx, map[string]interface{}{
				"id":      id,
				"deleted": true,
			})
		})
	},
}

var cleanupCommand = &cli.Command{
	Name:      "cleanup",
	Usage:     "reconcile the indices of one resource with its entries",
	ArgsUsage: "ID",
	Action: func(cctx *cli.Context) error {
		id, err := resourceID(cctx)
		if err != nil {
			return err
		}

		return oneShot(cctx, func(ctx context.Context, rt *runtime) error {
			cleaner, ok := rt.store.(types.Cleaner)
			if !ok {
				return types.ErrCleanupNotSupported
			}

			result, err := cleaner.Cleanup(ctx, id)
			if err != nil && !types.IsError(err, types.ErrCleanupPremature) {
				return err
			}

			if printErr := printJSON(cctx, result); printErr != nil {
				return printErr
			}
			return err
		})
	},
}

var sweepCommand = &cli.Command{
	Name:  "sweep",
	Usage: "reconcile the indices of every resource",
	Action: func(cctx *cli.Context) error {
		return oneShot(cctx, func(ctx context.Context, rt *runtime) error {
			sweeper, ok := rt.store.(types.Sweeper)
			if !ok {
				return types.ErrSweepNotSupported
			}

			result, err := sweeper.Sweep(ctx)
			if printErr := printJSON(cctx, result); printErr != nil {
				return printErr
			}
			return err
		})
	},
}

func resourceID(cctx *cli.Context) (string, error) {
	id := cctx.Args().First()
	if id == "" {
		return "", types.ErrResourceIDEmpty
	}
	return id, nil
}

// parsePairs reads NAME=VALUE arguments; a bare NAME maps to nil.
func parsePairs(args []string) (types.Vary, error) {
	vary := make(types.Vary, len(args))

	for _, arg := range args {
		name, value, found := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "malformed pair %q", arg)
		}

		if !found {
			vary[name] = nil
			continue
		}
		vary[name] = types.StringPtr(value)
	}

	return vary, nil
}

func parseValidators(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}

	validators := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "malformed validator %q", arg)
		}
		validators[name] = value
	}

	return validators, nil
}

func readContent(cctx *cli.Context) ([]byte, error) {
	path := cctx.String("file")

	switch {
	case path == "" && cctx.IsSet("content"):
		return []byte(cctx.String("content")), nil
	case path == "":
		return nil, types.Errorf(types.ErrInvalidParameter, "one of --content or --file is required")
	case cctx.IsSet("content"):
		return nil, types.Errorf(types.ErrInvalidParameter, "--content and --file are mutually exclusive")
	case path == "-":
		return io.ReadAll(cctx.App.Reader)
	default:
		return os.ReadFile(path)
	}
}

func printJSON(cctx *cli.Context, payload interface{}) error {
	data, err := utils.MarshalIndent(payload)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cctx.App.Writer, string(data))
	return err
}
