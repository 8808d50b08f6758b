package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
	"github.com/firmwaredroid/rehoster/internal/apex"
	"github.com/firmwaredroid/rehoster/internal/builddriver"
	"github.com/firmwaredroid/rehoster/internal/depgraph"
	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/pipeline"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

var (
	aospDirs, firmwareDirs, strategyFile, lunchTarget, androidVersion string
	lddtreeFile, outDir, logDir, runStore                             string
	firmwareID, firmwareURL, firmwareAPIKey                           string
	signingKey, signingCert                                           string
	buildTimeout                                                      time.Duration
	workers                                                           int
	assumeYes                                                         bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()

	flags.StringVarP(&aospDirs, "aosp-dir", "a", "",
		"AOSP checkout to build. a comma separated list runs one pipeline per checkout; each run needs its own pristine checkout.")
	_ = viper.BindPFlag("aosp-dir", flags.Lookup("aosp-dir"))

	flags.StringVarP(&firmwareDirs, "firmware-dir", "f", "",
		"directory holding the extracted firmware files, laid out by partition (vendor/, system/, ...). "+
			"a comma separated list pairs up with --aosp-dir entries.")
	_ = viper.BindPFlag("firmware-dir", flags.Lookup("firmware-dir"))

	flags.StringVarP(&strategyFile, "strategy", "s", "",
		"injection strategy file (json or yaml) mapping firmware paths to module types, phases and overwrite policies.")
	_ = viper.BindPFlag("strategy", flags.Lookup("strategy"))

	flags.StringVarP(&lunchTarget, "lunch-target", "t", "sdk_phone64_x86_64-userdebug",
		"AOSP lunch combo to build for the emulator.")
	_ = viper.BindPFlag("lunch-target", flags.Lookup("lunch-target"))

	flags.StringVar(&androidVersion, "android-version", "14",
		"android version of the checkout (selects version specific build goals and board configs).")
	_ = viper.BindPFlag("android-version", flags.Lookup("android-version"))

	flags.StringVar(&lddtreeFile, "lddtree-dump", "",
		"lddtree dependency dump for the firmware binaries. without it, native libraries are injected without closure bundling.")
	_ = viper.BindPFlag("lddtree-dump", flags.Lookup("lddtree-dump"))

	flags.StringVar(&outDir, "out-dir", "",
		"build output tree the post-build stages operate on. defaults to <aosp-dir>/out/target/product/emu64x.")
	_ = viper.BindPFlag("out-dir", flags.Lookup("out-dir"))

	flags.StringVar(&logDir, "log-dir", "build_logs",
		"directory receiving one build log per invocation.")
	_ = viper.BindPFlag("log-dir", flags.Lookup("log-dir"))

	flags.StringVar(&runStore, "run-store", "runs.json",
		"json file the pipeline appends run records to.")
	_ = viper.BindPFlag("run-store", flags.Lookup("run-store"))

	flags.StringVar(&firmwareID, "firmware-id", "",
		"fetch the firmware build files from the firmware service instead of using --firmware-dir contents.")
	_ = viper.BindPFlag("firmware-id", flags.Lookup("firmware-id"))

	flags.StringVar(&firmwareURL, "firmware-url", "",
		"base url of the firmware service used with --firmware-id.")
	_ = viper.BindPFlag("firmware-url", flags.Lookup("firmware-url"))

	flags.StringVar(&firmwareAPIKey, "firmware-api-key", "",
		"api key sent to the firmware service used with --firmware-id.")
	_ = viper.BindPFlag("firmware-api-key", flags.Lookup("firmware-api-key"))

	flags.StringVar(&signingKey, "signing-key", "",
		"private key handed to apksigner when re-signing repackaged apex containers.")
	_ = viper.BindPFlag("signing-key", flags.Lookup("signing-key"))

	flags.StringVar(&signingCert, "signing-cert", "",
		"certificate handed to apksigner when re-signing repackaged apex containers.")
	_ = viper.BindPFlag("signing-cert", flags.Lookup("signing-cert"))

	flags.DurationVar(&buildTimeout, "build-timeout", builddriver.DefaultTimeout,
		"forcibly terminate the AOSP build after this duration. the run fails with reason timeout and is never retried.")
	_ = viper.BindPFlag("build-timeout", flags.Lookup("build-timeout"))

	flags.IntVar(&workers, "workers", 4,
		"bound for parallel pipelines and for concurrent post-build work items within a run.")
	_ = viper.BindPFlag("workers", flags.Lookup("workers"))

	flags.BoolVarP(&assumeYes, "yes", "y", false, "do not prompt for confirmation before mutating the checkout.")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "re-host firmware onto the emulator: inject, build, and repackage",
	Args: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("aosp-dir") == "" {
			return errors.New("must provide an aosp dir")
		}
		if viper.GetString("firmware-dir") == "" {
			return errors.New("must provide a firmware dir")
		}
		if viper.GetString("strategy") == "" {
			return errors.New("must provide a strategy file")
		}
		aosp := strings.Split(viper.GetString("aosp-dir"), ",")
		fw := strings.Split(viper.GetString("firmware-dir"), ",")
		if len(aosp) != len(fw) {
			return fmt.Errorf("got %v aosp dirs but %v firmware dirs, need one firmware dir per checkout", len(aosp), len(fw))
		}
		if viper.GetString("firmware-id") != "" && viper.GetString("firmware-url") == "" {
			return errors.New("--firmware-id needs --firmware-url")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			log.Fatalf("unable to marshal config to YAML: %v", err)
		}
		log.Println("Current settings:")
		fmt.Println(string(settings))

		if !assumeYes {
			prompt := promptui.Prompt{
				Label:     "This will mutate the AOSP checkout(s). Do you want to continue ",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				log.Fatalf("exiting: %v", err)
			}
		}

		s, err := strategy.Load(viper.GetString("strategy"))
		if err != nil {
			log.Fatalf("failed to load injection strategy: %v", err)
		}

		graph := depgraph.NewGraph()
		if dump := viper.GetString("lddtree-dump"); dump != "" {
			graph, err = loadGraph(dump)
			if err != nil {
				log.Fatalf("failed to parse lddtree dump: %v", err)
			}
		}

		store := pipeline.NewStore(viper.GetString("run-store"))
		aospList := strings.Split(viper.GetString("aosp-dir"), ",")
		fwList := strings.Split(viper.GetString("firmware-dir"), ",")

		var pipelines []*pipeline.Pipeline
		for i := range aospList {
			p, err := assemblePipeline(strings.TrimSpace(aospList[i]), strings.TrimSpace(fwList[i]), s, graph, store)
			if err != nil {
				log.Fatal(err)
			}
			pipelines = append(pipelines, p)
		}

		runs, err := pipeline.ExecuteAll(context.Background(), pipelines, viper.GetInt("workers"))
		printSummary(runs)
		if err != nil {
			log.Fatalf("pipeline run aborted: %v", err)
		}
	},
}

func assemblePipeline(aospDir, fwDir string, s *strategy.Strategy, graph *depgraph.Graph, store *pipeline.Store) (*pipeline.Pipeline, error) {
	tree, err := aosptree.Open(aospDir, filepath.Base(aospDir))
	if err != nil {
		return nil, fmt.Errorf("opening checkout %v: %w", aospDir, err)
	}

	var artifacts []firmware.Artifact
	if id := viper.GetString("firmware-id"); id != "" {
		client := firmware.NewClient(viper.GetString("firmware-url"))
		if key := viper.GetString("firmware-api-key"); key != "" {
			client.Headers["Authorization"] = key
		}
		artifacts, err = client.FetchBuildFiles(context.Background(), id, fwDir)
	} else {
		artifacts, err = firmware.ScanDir(fwDir)
	}
	if err != nil {
		return nil, fmt.Errorf("collecting firmware artifacts from %v: %w", fwDir, err)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no firmware artifacts found under %v", fwDir)
	}

	out := viper.GetString("out-dir")
	if out == "" {
		out = filepath.Join(aospDir, "out/target/product/emu64x")
	}

	hostTools := &apex.HostTools{
		TreeRoot: aospDir,
		KeyPath:  viper.GetString("signing-key"),
		CertPath: viper.GetString("signing-cert"),
	}

	return &pipeline.Pipeline{
		Strategy:  s,
		Tree:      tree,
		Artifacts: artifacts,
		Graph:     graph,
		Driver: &builddriver.Driver{
			Timeout: viper.GetDuration("build-timeout"),
			LogDir:  viper.GetString("log-dir"),
		},
		Target: builddriver.Target{
			Lunch:          viper.GetString("lunch-target"),
			AndroidVersion: viper.GetString("android-version"),
		},
		OutputRoot:    out,
		ContainerGlob: filepath.Join(out, "system/apex/*.apex"),
		Repackager: &apex.Repackager{
			Codec:       hostTools,
			Signer:      hostTools,
			Strategy:    s,
			ScratchRoot: filepath.Join(out, "rehoster_apex_scratch"),
			Workers:     viper.GetInt("workers"),
		},
		Workers: viper.GetInt("workers"),
		Store:   store,
	}, nil
}

func loadGraph(path string) (*depgraph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	deps, err := depgraph.ParseLddtree(f)
	if err != nil {
		return nil, err
	}
	return depgraph.Build(deps), nil
}

func printSummary(runs []*pipeline.Run) {
	for _, run := range runs {
		if run == nil {
			continue
		}
		fmt.Println("")
		fmt.Printf("run %v (android %v):\n", run.ID, run.AndroidVersion)
		for _, stage := range run.Stages {
			line := fmt.Sprintf("  %-22v %v (%.1fs)", stage.Name, stage.Status, stage.DurationSeconds)
			if stage.Detail != "" {
				line += " - " + stage.Detail
			}
			if stage.Status == pipeline.StatusSuccess {
				fmt.Println(line)
			} else {
				color.Red(line)
			}
		}
		switch run.FinalStatus {
		case pipeline.StatusSuccess:
			color.Green("  final status: %v", run.FinalStatus)
		case pipeline.StatusPartial:
			color.Yellow("  final status: %v", run.FinalStatus)
		default:
			color.Red("  final status: %v", run.FinalStatus)
		}
	}
}
