package command

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
)

func scanCommand(cliContext *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl, "")

	backend, err := gpu.New(config.GPU{EnableNVML: true, FallbackToNvidiaSMI: true})
	if err != nil {
		return err
	}
	defer backend.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	samples, err := backend.Collect(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("### GPUs (%d)\n\n", len(samples))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "Name", "Util %", "Memory", "Temp °C", "Power W"})
	for _, s := range samples {
		table.Append([]string{
			strconv.FormatUint(uint64(s.GPUID), 10),
			s.Name,
			strconv.FormatUint(uint64(s.UtilizationGPU), 10),
			fmt.Sprintf("%s / %s", humanize.IBytes(s.MemoryUsed), humanize.IBytes(s.MemoryTotal)),
			strconv.FormatUint(uint64(s.Temperature), 10),
			strconv.FormatUint(uint64(s.PowerUsage), 10),
		})
	}
	table.Render()

	processes := classifier.New().Classify(samples)
	if len(processes) == 0 {
		fmt.Println("\nno GPU processes found")
		return nil
	}

	fmt.Printf("\n### Processes (%d)\n\n", len(processes))
	table = tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"PID", "Name", "Category", "GPU Memory"})
	for _, p := range processes {
		table.Append([]string{
			strconv.FormatUint(uint64(p.PID), 10),
			p.Name,
			string(p.Category),
			fmt.Sprintf("%d MiB", p.GPUMemoryMB),
		})
	}
	table.Render()

	return nil
}
