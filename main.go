package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/burrowvpn/burrow/pkg/auth"
	"github.com/burrowvpn/burrow/pkg/config"
	"github.com/burrowvpn/burrow/pkg/log"
	"github.com/burrowvpn/burrow/pkg/vpn"
	"github.com/burrowvpn/burrow/pkg/vps"
)

func main() {
	app := cli.NewApp()
	app.Name = "burrow"
	app.Usage = "a QUIC layer-3 vpn"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		{
			Name:  "server",
			Usage: "run the vpn server",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config, c", Value: "/etc/burrow/server.yaml", Usage: "server config file"},
			},
			Action: runServer,
		},
		{
			Name:  "client",
			Usage: "connect to a vpn server",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config, c", Value: "/etc/burrow/client.yaml", Usage: "client config file"},
			},
			Action: runClient,
		},
		{
			Name:  "user",
			Usage: "manage vpn credentials",
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "add a user (prompts for the password)",
					ArgsUsage: "<username>",
					Flags:     []cli.Flag{usersFlag},
					Action:    userAdd,
				},
				{
					Name:      "del",
					Usage:     "remove a user",
					ArgsUsage: "<username>",
					Flags:     []cli.Flag{usersFlag},
					Action:    userDel,
				},
				{
					Name:   "list",
					Usage:  "list users",
					Flags:  []cli.Flag{usersFlag},
					Action: userList,
				},
			},
		},
		{
			Name:  "deploy",
			Usage: "manage a vpn server vm on ec2",
			Subcommands: []cli.Command{
				{
					Name:  "up",
					Usage: "launch and bootstrap the server vm",
					Action: func(c *cli.Context) error {
						return vps.StartInstance()
					},
				},
				{
					Name:  "status",
					Usage: "show the server vm",
					Action: func(c *cli.Context) error {
						return vps.StatusInstance()
					},
				},
				{
					Name:  "down",
					Usage: "terminate the server vm",
					Action: func(c *cli.Context) error {
						return vps.StopInstance()
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.LOG.Fatalf("%v", err)
	}
}

var usersFlag = cli.StringFlag{
	Name:  "users, u",
	Value: "/etc/burrow/users",
	Usage: "credential store file",
}

func runServer(c *cli.Context) error {
	cfg, err := config.LoadServer(c.String("config"))
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)

	store, err := auth.NewStore(cfg.UsersFile)
	if err != nil {
		return err
	}
	server, err := vpn.NewServer(cfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func runClient(c *cli.Context) error {
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return vpn.NewClient(cfg).Run(ctx)
}

func userAdd(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: burrow user add <username>")
	}
	store, err := auth.NewStore(c.String("users"))
	if err != nil {
		return err
	}
	fmt.Print("Password: ")
	secret, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}
	if err := store.Add(c.Args().First(), string(secret)); err != nil {
		return err
	}
	return store.Save()
}

func userDel(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: burrow user del <username>")
	}
	store, err := auth.NewStore(c.String("users"))
	if err != nil {
		return err
	}
	if err := store.Remove(c.Args().First()); err != nil {
		return err
	}
	return store.Save()
}

func userList(c *cli.Context) error {
	store, err := auth.NewStore(c.String("users"))
	if err != nil {
		return err
	}
	for _, name := range store.List() {
		fmt.Println(name)
	}
	return nil
}
