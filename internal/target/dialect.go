package target

import (
	"bytes"
	"strings"
)

// y2000EpochOffset is the POSIX timestamp of 2000-01-01 UTC, the epoch
// most bare-metal MicroPython ports count from.
const y2000EpochOffset = 946684800

// Dialect captures the firmware traits that change how the driver talks
// to a device. It is inferred from the welcome banner and the builtin
// module list rather than configured, because the same cable can carry
// very different firmware from one day to the next.
type Dialect struct {
	// Welcome is the normalized banner printed on Ctrl-B.
	Welcome string

	// Modules is the builtin module list reported by help("modules").
	Modules []string
}

// CircuitPython reports Adafruit's fork, which differs in soft reboot
// behavior, RTC access and epoch.
func (d *Dialect) CircuitPython() bool {
	return strings.Contains(strings.ToLower(d.Welcome), "circuitpython")
}

// Microbit reports the reduced MicroPython of BBC micro:bit style
// boards, Calliope included: flat filesystem, no directories, tight
// memory. The MicroPython check keeps CircuitPython builds for the
// same boards out.
func (d *Dialect) Microbit() bool {
	low := strings.ToLower(d.Welcome)
	return (strings.Contains(low, "micro:bit") || strings.Contains(low, "calliope")) &&
		strings.Contains(d.Welcome, "MicroPython")
}

// Pycom reports Pycom firmware, which uses the POSIX epoch and its own
// RTC initializer.
func (d *Dialect) Pycom() bool {
	return strings.Contains(strings.ToLower(d.Welcome), "pycom")
}

// Pyboard reports original pyboard firmware.
func (d *Dialect) Pyboard() bool {
	return strings.Contains(strings.ToLower(d.Welcome), "pyb") || d.HasModule("pyb")
}

// HasModule reports whether the firmware builds in the named module.
func (d *Dialect) HasModule(name string) bool {
	for _, m := range d.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// InterpreterName returns the marketing name of the firmware family.
func (d *Dialect) InterpreterName() string {
	if d.CircuitPython() {
		return "CircuitPython"
	}
	return "MicroPython"
}

// SupportsDirectories reports whether the filesystem has a tree at all.
func (d *Dialect) SupportsDirectories() bool {
	return !d.Microbit()
}

// PathSep is the separator used when joining device paths. Empty on
// boards whose filesystem is a flat namespace.
func (d *Dialect) PathSep() string {
	if d.SupportsDirectories() {
		return "/"
	}
	return ""
}

// FlashPrefix is the device path under which the local mount of the
// flash filesystem appears. Most ports mount flash at the root; a few
// put it under /flash.
func (d *Dialect) FlashPrefix() string {
	if !d.SupportsDirectories() {
		return ""
	}
	if strings.Contains(d.Welcome, "LoBo") ||
		strings.Contains(d.Welcome, "WiPy with ESP32") ||
		strings.Contains(d.Welcome, "PYBLITE") ||
		strings.Contains(d.Welcome, "PYBv") ||
		strings.Contains(strings.ToUpper(d.Welcome), "PYBOARD") {
		return "/flash/"
	}
	return "/"
}

// FileBlockSize is how many file bytes travel per management command.
// Remember that a block can expand up to 4x when rendered as a Python
// bytes literal.
func (d *Dialect) FileBlockSize() int {
	if d.Microbit() {
		return 512
	}
	return 1024
}

// DefaultEpochYear is the epoch assumed when probing cannot decide.
func (d *Dialect) DefaultEpochYear() int {
	if d.CircuitPython() || d.Pycom() {
		return 1970
	}
	return 2000
}

// enterREPLPhrases are CircuitPython's localized "press any key" lines.
// A device showing one is not running code and will not answer until
// something arrives on the wire.
var enterREPLPhrases = []string{
	"Press any key to enter the REPL. Use CTRL-D to reload.",
	"Appuyez sur n'importe quelle touche pour utiliser le REPL. Utilisez CTRL-D pour relancer.",
	"Presiona cualquier tecla para entrar al REPL. Usa CTRL-D para recargar.",
	"Drücke eine beliebige Taste um REPL zu betreten. Drücke STRG-D zum neuladen.",
	"Druk een willekeurige toets om de REPL te starten. Gebruik CTRL+D om te herstarten.",
	"àn rèn hé jiàn jìn rù REPL. shǐ yòng CTRL-D zhòng xīn jiā zǎi .",
	"Tekan sembarang tombol untuk masuk ke REPL. Tekan CTRL-D untuk memuat ulang.",
	"Pressione qualquer tecla para entrar no REPL. Use CTRL-D para recarregar.",
	"Tryck på valfri tangent för att gå in i REPL. Använd CTRL-D för att ladda om.",
	"Нажмите любую клавишу чтобы зайти в REPL. Используйте CTRL-D для перезагрузки.",
}

// OutputWarrantsInterrupt reports whether the device is sitting in
// CircuitPython's "press any key" state. An interrupt converts that
// state into a REPL prompt.
func (d *Dialect) OutputWarrantsInterrupt(data []byte) bool {
	if !d.CircuitPython() {
		return false
	}
	trimmed := bytes.TrimSpace(data)
	for _, phrase := range enterREPLPhrases {
		if bytes.HasSuffix(trimmed, []byte(phrase)) {
			return true
		}
	}
	return false
}
