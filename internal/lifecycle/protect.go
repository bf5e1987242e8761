package lifecycle

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/microsoft/cvmboot-sub000/internal/cpioarchive"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/envelope"
	"github.com/microsoft/cvmboot-sub000/internal/events"
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/imagestate"
	"github.com/microsoft/cvmboot-sub000/internal/stopwatch"
)

// Protect implements spec §4.9's `protect(disk, signtool)`: archives
// the ESP's cvmboot home directory into a CPIO, signs it via the
// external signtool, writes the archive and its signature record back
// to the ESP, and prints the PCR values a boot replay would produce.
func Protect(diskPath, signtool string) (err error) {
	sw := stopwatch.New()
	defer func() { log.Infof("protect took %.3fs", sw.Seconds()) }()

	if err := requireState(diskPath, imagestate.Prepared, "lifecycle.Protect"); err != nil {
		return err
	}

	lo, table, dev, err := openTable(diskPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if derr := lo.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	if err = gpt.Sync(dev, table); err != nil {
		return err
	}

	espIdx := findESP(table)
	if espIdx < 0 {
		return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Protect", fmt.Errorf("no EFI system partition found"))
	}

	espRoot, err := mountESP(lo, espIdx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unmountESP(espRoot); uerr != nil && err == nil {
			err = uerr
		}
	}()

	homeDir := filepath.Join(espRoot, espHomeRelDir)
	entries, err := cpioarchive.AddTree(nil, homeDir)
	if err != nil {
		return err
	}
	cpioBytes := cpioarchive.Write(entries)

	record, err := envelope.Create(cpioBytes, signtool)
	if err != nil {
		return err
	}
	recordBytes, err := record.Marshal()
	if err != nil {
		return err
	}

	if err = os.WriteFile(filepath.Join(espRoot, espCPIORelPath), cpioBytes, 0644); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.Protect", err)
	}
	if err = os.WriteFile(filepath.Join(espRoot, espSignatureRelPath), recordBytes, 0644); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.Protect", err)
	}

	printExpectedPCRs(espRoot, record)
	return nil
}

// printExpectedPCRs simulates spec §4.7's measurement the same way the
// boot loader will at launch, and logs the resulting non-zero PCRs.
func printExpectedPCRs(espRoot string, record envelope.Record) {
	signerHex := hex.EncodeToString(record.Signer[:])

	eventsPath := filepath.Join(espRoot, espHomeRelDir, "events")
	data, err := os.ReadFile(eventsPath)

	var bank events.PCRBank
	if err != nil {
		bank = events.MeasureSignerOnly(record.Signer[:])
	} else {
		entries, perr := events.Parse(bytes.NewReader(data), signerHex)
		if perr != nil {
			log.Errorf("events log invalid, falling back to signer-only measurement: %v", perr)
			bank = events.MeasureSignerOnly(record.Signer[:])
		} else {
			bank = events.Measure(entries)
		}
	}

	var zero [32]byte
	for i, pcr := range bank.PCRs {
		if pcr != zero {
			log.Infof("PCR%d = %x", i, pcr)
		}
	}
}
