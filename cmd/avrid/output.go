// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// printer writes level-prefixed result lines
type printer struct {
	out     io.Writer
	infoC   *color.Color
	okC     *color.Color
	resultC *color.Color
	failC   *color.Color
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{
		out:     w,
		infoC:   color.New(color.FgCyan),
		okC:     color.New(color.FgGreen, color.Bold),
		resultC: color.New(color.FgYellow),
		failC:   color.New(color.FgRed, color.Bold),
	}
	if f, ok := w.(*os.File); ok && colored {
		p.out = colorable.NewColorable(f)
	}
	for _, c := range []*color.Color{p.infoC, p.okC, p.resultC, p.failC} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) line(c *color.Color, prefix, format string, args ...any) {
	_, _ = c.Fprint(p.out, prefix)
	_, _ = fmt.Fprintf(p.out, " "+format+"\n", args...)
}

func (p *printer) info(format string, args ...any) {
	p.line(p.infoC, "[*]", format, args...)
}

func (p *printer) success(format string, args ...any) {
	p.line(p.okC, "[+]", format, args...)
}

func (p *printer) result(format string, args ...any) {
	p.line(p.resultC, "[>]", format, args...)
}

func (p *printer) fail(format string, args ...any) {
	p.line(p.failC, "[x]", format, args...)
}

// progress prints live Identify steps
func (p *printer) progress(pr avrisp.Progress) {
	switch pr.Step {
	case avrisp.StepEnablingAccess:
		if pr.Attempt > 1 {
			p.info("Enabling Memory Access (attempt %d)...", pr.Attempt)
			return
		}
		p.info("Enabling Memory Access...")
	case avrisp.StepSignatureByte:
		p.result("%s: %02X", pr.Name, pr.Value)
	case avrisp.StepReleasingReset, avrisp.StepComplete:
	}
}

// report prints the outcome of an identification
func (p *printer) report(id *avrisp.Identification) {
	if id.Known() {
		p.success("Device: %s", id.Info.Name)
		p.result("Flash: %d bytes (%d byte pages)", id.Info.FlashSize, id.Info.FlashPageSize)
		p.result("EEPROM: %d bytes", id.Info.EEPROMSize)
		return
	}

	switch id.Condition {
	case avrisp.ConditionLockBits:
		p.fail("Lock bits set")
	case avrisp.ConditionLocked:
		p.fail("Device locked or not ready")
	case avrisp.ConditionErased:
		p.fail("Device code erased or target missing")
	case avrisp.ConditionValid:
		p.fail("Unknown device with signature %s", id.Signature)
	}
}

type jsonReport struct {
	*avrisp.Identification
	Error string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, id *avrisp.Identification, identifyErr error) error {
	report := jsonReport{Identification: id}
	if identifyErr != nil {
		report.Error = identifyErr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// printTable lists the device table, one part per row
func printTable(w io.Writer, table *avrisp.DeviceTable) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SIGNATURE\tNAME\tFLASH\tPAGE\tEEPROM")
	for _, info := range table.All() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			info.Signature, info.Name, info.FlashSize, info.FlashPageSize, info.EEPROMSize)
	}
	_ = tw.Flush()
}
