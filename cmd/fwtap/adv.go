package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/fwtap/advert"
	"github.com/srg/fwtap/internal/bledb"
)

// advCmd represents the adv command
var advCmd = &cobra.Command{
	Use:   "adv",
	Short: "Watch the air for BLE advertisements",
	Long: `Scans on the host radio and reports the advertisements seen, the
over-the-air complement to the console-side commands.

By default every address on air is collected for the scan window and
printed as a table. --address narrows the watch to one board; with
--wait the command instead blocks until that board is seen (or the
timeout passes), which makes it a usable pairing-mode check in shell
scripts.

Examples:
  fwtap adv
  fwtap adv --timeout 30s --format json
  fwtap adv --address 00:11:22:33:FF:EE --wait`,
	RunE: runAdv,
}

var (
	advAddress string
	advTimeout time.Duration
	advWait    bool
	advFormat  string
)

func init() {
	advCmd.Flags().StringVar(&advAddress, "address", "", "Only collect advertisements from this address")
	advCmd.Flags().DurationVar(&advTimeout, "timeout", 10*time.Second, "Scan window / wait limit")
	advCmd.Flags().BoolVar(&advWait, "wait", false, "Block until --address is seen instead of collecting")
	advCmd.Flags().StringVar(&advFormat, "format", "table", "Output format (table, json)")
}

func runAdv(cmd *cobra.Command, args []string) error {
	if advFormat != "table" && advFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", advFormat)
	}
	if advWait && advAddress == "" {
		return fmt.Errorf("--wait needs --address")
	}

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	w, err := advert.NewWatcher(advert.Options{
		Address: advAddress,
		Timeout: advTimeout,
	}, logger)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	if advWait {
		adv, err := w.WaitFor(ctx, advAddress)
		if err != nil {
			return err
		}
		fmt.Printf("%s seen after %d advertisement(s), RSSI %d dBm\n", adv.Address, adv.Count, adv.RSSI)
		return nil
	}

	results, err := w.Scan(ctx)
	if err != nil {
		return err
	}
	return displayAdvertisements(results, advFormat)
}

func displayAdvertisements(results map[string]*advert.Advertisement, format string) error {
	advs := make([]*advert.Advertisement, 0, len(results))
	for _, a := range results {
		advs = append(advs, a)
	}
	sort.Slice(advs, func(i, j int) bool { return advs[i].Address < advs[j].Address })

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(advs)
	}

	if len(advs) == 0 {
		fmt.Println("No advertisements seen")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCOUNT\tSERVICES")
	for _, a := range advs {
		// Nameless beacons often still identify their maker.
		name := a.LocalName
		if name == "" {
			name = a.Manufacturer
		}
		services := strings.Join(annotateServices(a.Services), ",")
		if len(services) > 40 {
			services = services[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%d\t%s\n", a.Address, name, a.RSSI, a.Count, services)
	}
	return w.Flush()
}

// annotateServices tacks known service names onto their UUIDs.
func annotateServices(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		if name := bledb.LookupService(u); name != "" {
			out[i] = u + " (" + name + ")"
		} else {
			out[i] = u
		}
	}
	return out
}
