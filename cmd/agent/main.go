package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/skillswap/meetcore/internal/agent"
	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
)

func main() {
	app := &cli.App{
		Name:        "meetcore-agent",
		Usage:       "Headless meeting participant",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:8080",
				Usage: "host of the meetcore server",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "bearer token of the joining identity",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "participant",
				Usage:    "participant id the token resolves to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "meeting",
				Usage:    "id of the meeting to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "video-file",
				Usage: "IVF file streamed as the local video track",
			},
			&cli.BoolFlag{
				Name:  "tls",
				Usage: "connect over https/wss",
			},
			&cli.StringFlag{
				Name:  "fabric-driver",
				Usage: "talk to the topics directly: 'redis' or 'nats'; empty bridges over the meeting websocket",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Value: "localhost:6379",
				Usage: "redis address for --fabric-driver=redis",
			},
			&cli.IntFlag{
				Name:  "redis-db",
				Usage: "redis database for --fabric-driver=redis",
			},
			&cli.StringFlag{
				Name:  "nats-addr",
				Value: "nats://localhost:4222",
				Usage: "NATS address for --fabric-driver=nats",
			},
		},
		Action: startAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startAgent(c *cli.Context) error {
	fabricClient, err := buildFabric(c)
	if err != nil {
		return err
	}

	a := agent.New(agent.Options{
		Host:      c.String("host"),
		Token:     c.String("token"),
		MeetingID: c.String("meeting"),
		Self:      core.ParticipantID(c.String("participant")),
		VideoFile: c.String("video-file"),
		TLS:       c.Bool("tls"),
		Fabric:    fabricClient,
	})

	return a.Start(context.Background())
}

func buildFabric(c *cli.Context) (fabric.Client, error) {
	switch c.String("fabric-driver") {
	case "":
		return nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: c.String("redis-addr"),
			DB:   c.Int("redis-db"),
		})
		return fabric.NewRedis(rdb), nil
	case "nats":
		return fabric.ConnectNATS(c.String("nats-addr"))
	default:
		return nil, fmt.Errorf("unknown fabric driver: %q", c.String("fabric-driver"))
	}
}
