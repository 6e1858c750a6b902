// SideCharge Firmware CLI
// Operator tool for firmware rollouts and fleet inspection
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidecharge/orchestrator/internal/objstore"
	"github.com/sidecharge/orchestrator/internal/ota"
	"github.com/sidecharge/orchestrator/internal/storage"
)

var (
	dbPath   string
	storeDir string

	rootCmd = &cobra.Command{
		Use:   "sidecharge-fw",
		Short: "SideCharge Firmware CLI",
		Long:  "Command-line tool for deploying firmware and inspecting the SideCharge orchestrator database.",
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a firmware signing key pair",
		RunE:  runKeygen,
	}

	deployCmd = &cobra.Command{
		Use:   "deploy [image-file]",
		Short: "Publish a firmware image to the object store",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeploy,
	}

	baselineCmd = &cobra.Command{
		Use:   "baseline [image-file]",
		Short: "Promote a local image to the delta baseline",
		Args:  cobra.ExactArgs(1),
		RunE:  runBaseline,
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE:  listDevices,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Show active OTA sessions",
		RunE:  listSessions,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [device-id]",
		Short: "Show recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEvents,
	}

	abortCmd = &cobra.Command{
		Use:   "abort [device-id]",
		Short: "Drop a device's OTA session",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}

	keyDir   string
	signKey  string
	force    bool
	limit    int
	watchSec int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/sidecharge/orchestrator.db", "Database file path")
	rootCmd.PersistentFlags().StringVarP(&storeDir, "store", "s", "/var/lib/sidecharge/objects", "Object store directory")

	keygenCmd.Flags().StringVarP(&keyDir, "dir", "o", ota.DefaultKeyDir(), "Directory for the key pair")
	keygenCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing key pair")
	deployCmd.Flags().StringVarP(&signKey, "sign", "k", "", "Sign the image with this private key file")
	deployCmd.Flags().BoolVarP(&force, "force", "f", false, "Deploy even with transfers in flight")
	sessionsCmd.Flags().IntVarP(&watchSec, "watch", "w", 0, "Refresh every N seconds")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(abortCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.Open(dbPath)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	keyPath := filepath.Join(keyDir, "signing.key")
	if _, err := os.Stat(keyPath); err == nil && !force {
		return fmt.Errorf("key pair already exists at %s (use --force to overwrite)", keyDir)
	}

	pub, priv, err := ota.GenerateSigningKeys()
	if err != nil {
		return err
	}
	if err := ota.WriteKeyPair(keyDir, pub, priv); err != nil {
		return err
	}

	fmt.Printf("Key pair written to %s\n", keyDir)
	fmt.Printf("Public key (for orchestrator config):\n  %s\n", hex.EncodeToString(pub))
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.GetActiveOTASessions()
	if err != nil {
		return err
	}
	if len(sessions) > 0 && !force {
		return fmt.Errorf("%d transfers in flight (use --force to deploy anyway)", len(sessions))
	}

	if signKey != "" {
		priv, err := ota.LoadPrivateKey(signKey)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		image = ota.SignImage(priv, image)
		fmt.Printf("Signed image, %d bytes with signature\n", len(image))
	}

	store, err := objstore.NewFSStore("sidecharge-firmware", storeDir)
	if err != nil {
		return err
	}

	// Preview what the fleet will actually transfer.
	chunkSize := ota.DefaultConfig().ChunkSize
	totalChunks := (len(image) + chunkSize - 1) / chunkSize
	if baseline, err := store.Get(objstore.BaselineKey); err == nil {
		delta := ota.ComputeDelta(image, baseline, chunkSize)
		if len(delta) < totalChunks {
			fmt.Printf("Delta vs baseline: %d of %d chunks changed\n", len(delta), totalChunks)
		} else {
			fmt.Printf("Full transfer: %d chunks\n", totalChunks)
		}
	} else {
		fmt.Printf("No baseline, full transfer: %d chunks\n", totalChunks)
	}

	// The running orchestrator's firmware watch picks the object up and
	// starts the rollout.
	key := objstore.FirmwarePrefix + filepath.Base(args[0])
	if err := store.Put(key, image); err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}

	fmt.Printf("Published %s (%d bytes)\n", key, len(image))
	return nil
}

func runBaseline(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	store, err := objstore.NewFSStore("sidecharge-firmware", storeDir)
	if err != nil {
		return err
	}
	if err := store.Put(objstore.BaselineKey, image); err != nil {
		return fmt.Errorf("failed to store baseline: %w", err)
	}

	fmt.Printf("Baseline set from %s (%d bytes)\n", args[0], len(image))
	return nil
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.GetActiveDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tAPP\tLAST SEEN\tOWNER")
	fmt.Fprintln(w, "------\t------\t---\t---------\t-----")

	for _, d := range devices {
		owner := d.OwnerName
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\tv%d\t%s\t%s\n",
			d.ShortID, d.Status, d.AppVersion,
			d.LastSeen.Format("2006-01-02 15:04"), owner)
	}
	w.Flush()
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	for {
		if err := printSessions(db); err != nil {
			return err
		}
		if watchSec <= 0 {
			return nil
		}
		time.Sleep(time.Duration(watchSec) * time.Second)
		fmt.Println()
	}
}

func printSessions(db *storage.DB) error {
	sessions, err := db.GetActiveOTASessions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tKEY\tSTATUS\tPROGRESS\tMODE\tRETRIES\tUPDATED")
	fmt.Fprintln(w, "------\t---\t------\t--------\t----\t-------\t-------")

	for _, s := range sessions {
		mode := "full"
		progress := fmt.Sprintf("%d/%d", s.NextChunk, s.TotalChunks)
		if s.DeltaMode() {
			mode = "delta"
			progress = fmt.Sprintf("%d/%d", s.DeltaCursor, len(s.DeltaChunks))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			s.DeviceID, filepath.Base(s.Key), s.Status, progress, mode,
			s.Retries, s.Restarts,
			time.Unix(s.UpdatedAt, 0).Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var events []*storage.Event
	if len(args) > 0 {
		events, err = db.EventsForDevice(args[0], "1970-01-01 00:00:00.000", limit)
	} else {
		events, err = db.EventsByType(storage.EventTelemetry, "1970-01-01 00:00:00.000", limit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME (MT)\tDEVICE\tTYPE\tSOURCE\tDATA")
	fmt.Fprintln(w, "---------\t------\t----\t------\t----")

	for _, e := range events {
		data := e.Data
		if len(data) > 60 {
			data = data[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.TimestampMT, e.DeviceID, e.EventType, e.TimeSource, data)
	}
	w.Flush()
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID := args[0]
	sess, err := db.GetOTASession(deviceID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("no active OTA session for %s", deviceID)
	}

	// Dropping the row stops the cloud side; the device's transfer
	// times out on its own once chunks stop arriving.
	if err := db.ClearOTASession(deviceID); err != nil {
		return err
	}

	fmt.Printf("Dropped OTA session for %s (%s, was %s)\n", deviceID, filepath.Base(sess.Key), sess.Status)
	return nil
}
