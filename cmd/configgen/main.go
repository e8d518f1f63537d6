package main

import (
	"flag"
	"log"
	"os"

	"github.com/danmuck/groupchat/internal/config"
)

func main() {
	output := flag.String("output", "config.toml", "output path for the config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	render := flag.Bool("render", false, "print the effective config of -input with defaults filled in")
	input := flag.String("input", "", "config path for -validate and -render (defaults to $"+config.EnvConfigPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate || *render {
		path := *input
		if path == "" {
			path = config.PathFromEnv("config.toml")
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		if *render {
			out, err := config.Render(cfg)
			if err != nil {
				log.Fatal(err)
			}
			if _, err := os.Stdout.Write(out); err != nil {
				log.Fatal(err)
			}
			return
		}
		log.Printf("Validated config at %s", path)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
