package lifecycle

import (
	"github.com/microsoft/cvmboot-sub000/internal/manifest"
	"github.com/microsoft/cvmboot-sub000/internal/stopwatch"
)

// Init implements spec §4.9's `init(input, output, signtool)`: the
// sequential composition of prepare then protect. Each stage opens and
// tears down its own loopback session rather than sharing one, since
// prepare must release the output file (and its partition device
// nodes) before protect's own openTable call re-associates it; this is
// a simplification over a literal single shared session, recorded in
// the design notes.
func Init(inputPath, outputPath, signtool string, m manifest.Manifest) (err error) {
	sw := stopwatch.New()
	defer func() { log.Infof("init took %.3fs", sw.Seconds()) }()

	if err := Prepare(inputPath, outputPath, m); err != nil {
		return err
	}
	return Protect(outputPath, signtool)
}
