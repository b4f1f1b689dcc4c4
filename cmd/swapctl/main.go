package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"OpenMCP-Swap/sdk/go/swapagent"

	"github.com/urfave/cli/v2"
)

// main 是运维命令行工具的入口，通过 REST 接口操作运行中的 swapagentd。
func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err) // nolint: errcheck
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "swapctl",
		Usage:                "operate a running swapagentd over its REST API",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"SWAPAGENT_ADDR"},
				Usage:   "base URL of the swapagentd API",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"SWAPAGENT_TOKEN"},
				Usage:   "operator bearer token",
			},
		},
		Commands: []*cli.Command{
			healthCmd,
			submitCmd,
			messagesCmd,
			negotiationsCmd,
			escrowsCmd,
			cancelCmd,
		},
	}
}

func newClient(cctx *cli.Context) (*swapagent.Client, error) {
	client, err := swapagent.NewClient(cctx.String("addr"), nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(cctx.String("token"))
	return client, nil
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cli.Command{
	Name:  "health",
	Usage: "show daemon and chain health",
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		health, err := client.Health(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cctx, health)
	},
}

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "inject a counterparty message",
	ArgsUsage: "<counterparty> <text...>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "idempotency key"},
		&cli.StringFlag{Name: "conversation", Usage: "conversation id"},
		&cli.BoolFlag{Name: "alliance", Usage: "mark the message as an alliance proposal"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 {
			return fmt.Errorf("usage: swapctl submit %s", cctx.Command.ArgsUsage)
		}
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		msg, err := client.SubmitMessage(cctx.Context, swapagent.MessageSubmission{
			ID:             cctx.String("id"),
			Counterparty:   cctx.Args().First(),
			ConversationID: cctx.String("conversation"),
			Text:           strings.Join(cctx.Args().Tail(), " "),
			AllianceIntent: cctx.Bool("alliance"),
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, msg)
	},
}

var messagesCmd = &cli.Command{
	Name:      "messages",
	Usage:     "list messages, or show one by id",
	ArgsUsage: "[id]",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20},
		&cli.IntFlag{Name: "offset"},
		&cli.StringSliceFlag{Name: "status", Usage: "pending, running, succeeded or failed"},
		&cli.StringFlag{Name: "counterparty"},
		&cli.StringFlag{Name: "query", Aliases: []string{"q"}},
		&cli.BoolFlag{Name: "asc", Usage: "oldest first"},
	},
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		if id := cctx.Args().First(); id != "" {
			msg, err := client.GetMessage(cctx.Context, id)
			if err != nil {
				return err
			}
			return printJSON(cctx, msg)
		}
		list, err := client.ListMessages(cctx.Context, swapagent.ListOptions{
			Limit:        cctx.Int("limit"),
			Offset:       cctx.Int("offset"),
			Statuses:     cctx.StringSlice("status"),
			Counterparty: cctx.String("counterparty"),
			Query:        cctx.String("query"),
			Ascending:    cctx.Bool("asc"),
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, list)
	},
}

var negotiationsCmd = &cli.Command{
	Name:      "negotiations",
	Usage:     "list negotiations, or show one counterparty",
	ArgsUsage: "[counterparty]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status"},
	},
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		if handle := cctx.Args().First(); handle != "" {
			record, err := client.Negotiation(cctx.Context, handle)
			if err != nil {
				return err
			}
			return printJSON(cctx, record)
		}
		records, err := client.Negotiations(cctx.Context, cctx.String("status"))
		if err != nil {
			return err
		}
		return printJSON(cctx, records)
	},
}

var escrowsCmd = &cli.Command{
	Name:  "escrows",
	Usage: "show the escrow polling state",
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		snapshot, err := client.Escrows(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cctx, snapshot)
	},
}

var cancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "request cancellation of a pending escrow",
	ArgsUsage: "<escrow>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("usage: swapctl cancel %s", cctx.Command.ArgsUsage)
		}
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		task, err := client.CancelEscrow(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(cctx, task)
	},
}
