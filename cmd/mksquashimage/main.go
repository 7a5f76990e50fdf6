// Command mksquashimage builds a squash image from either a directory
// tree or a pseudo-file description. Flag parsing here is deliberately
// thin: the core package's Config, Tree, and Build are the real
// surface; this binary only wires them together.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/kilnfs/squash"
)

func main() {
	var (
		packDir    = flag.String("pack-dir", "", "directory to scan into the image (mutually exclusive with -pseudo)")
		pseudoFile = flag.String("pseudo", "", "pseudo-file description to ingest (mutually exclusive with -pack-dir)")
		basePath   = flag.String("base-path", "", "base directory pseudo-file 'file'/'glob' host paths resolve against")
		configPath = flag.String("config", "", "YAML config file (see Config); defaults if omitted")
		output     = flag.String("output", "image.squashfs", "output image path")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if (*packDir == "") == (*pseudoFile == "") {
		log.Fatal("exactly one of -pack-dir or -pseudo must be given")
	}

	cfg := squash.Default()
	if *configPath != "" {
		loaded, err := squash.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	tree := squash.NewTree()

	if *packDir != "" {
		scanner := squash.NewOSScanner(*packDir)
		if err := addScan(tree, scanner); err != nil {
			log.Fatalf("scanning %s: %v", *packDir, err)
		}
	} else {
		parser := squash.NewParser(tree, squash.WithBasePath(*basePath))
		if err := parser.ParseFile(*pseudoFile); err != nil {
			log.Fatalf("parsing %s: %v", *pseudoFile, err)
		}
	}

	opts, err := postProcessOpts(cfg)
	if err != nil {
		log.Fatalf("loading sort file: %v", err)
	}
	if err := tree.PostProcess(opts...); err != nil {
		log.Fatalf("post-processing tree: %v", err)
	}

	if err := squash.Build(tree, *output, cfg); err != nil {
		log.Fatalf("building %s: %v", *output, err)
	}
}

func postProcessOpts(cfg *squash.Config) ([]squash.PostProcessOption, error) {
	var opts []squash.PostProcessOption
	if cfg.ForceUID != nil || cfg.ForceGID != nil {
		opts = append(opts, squash.WithForceOwner(cfg.ForceUID, cfg.ForceGID))
	}
	if cfg.SortFile != "" {
		f, err := os.Open(cfg.SortFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		rules, err := squash.ParseSortFile(f)
		if err != nil {
			return nil, err
		}
		opts = append(opts, squash.WithSortFile(rules))
	}
	return opts, nil
}

func addScan(tree *squash.Tree, scanner squash.Scanner) error {
	return scanner.Scan(context.Background(), func(e squash.ScanEntry) error {
		var payload any
		switch e.Kind {
		case squash.KindRegular:
			payload = e.Source
		case squash.KindSymlink:
			payload = e.Target
		case squash.KindCharDevice, squash.KindBlockDevice:
			payload = e.Dev
		}
		ref, err := tree.Add(e.Path, e.Kind, e.Attrs, payload)
		if err != nil || len(e.Xattrs) == 0 {
			return err
		}
		b := tree.BeginXattrs(ref)
		for _, x := range e.Xattrs {
			b.Add(x.Key, x.Value)
		}
		return b.End()
	})
}
