package main

import (
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/skillswap/meetcore/internal/api"
	"github.com/skillswap/meetcore/internal/config"
	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/server"
)

func main() {
	app := &cli.App{
		Name:        "meetcore-server",
		Usage:       "Session core API server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':80' (default value) for listen on 0.0.0.0:80",
				Value: ":80",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the config file",
				Value: "configs/meetcore.yml",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", cfg.DB.URL)
	if err != nil {
		return err
	}
	if err = db.Ping(); err != nil {
		return err
	}

	fabricClient, err := buildFabric(cfg.Fabric)
	if err != nil {
		return err
	}

	address := c.String("address")
	if cfg.App.Address != "" {
		address = cfg.App.Address
	}

	srv := server.New(server.AppOptions{
		Env:          core.Environment(c.String("env")),
		Address:      address,
		DB:           db,
		Fabric:       fabricClient,
		Verifier:     api.NewIdentityVerifier(cfg.Auth.Addr),
		CookieSecret: []byte(cfg.App.CookieSecret),
	})

	return srv.Start()
}

func buildFabric(cfg config.FabricConfig) (fabric.Client, error) {
	switch cfg.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return fabric.NewRedis(rdb), nil
	case "nats":
		return fabric.ConnectNATS(cfg.NatsAddr)
	case "memory":
		return fabric.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown fabric driver: %q", cfg.Driver)
	}
}
