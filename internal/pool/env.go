package pool

import (
	"os"
	"strconv"

	"log/slog"

	"diffract/internal/logging"
)

// Mode names an execution environment.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeCluster Mode = "cluster"
)

// Environment variables carrying the cluster context. A launcher (or the
// job script it generates) sets these per rank.
const (
	EnvRank      = "DIFFRACT_RANK"
	EnvWorldSize = "DIFFRACT_WORLD_SIZE"
	EnvCoordAddr = "DIFFRACT_COORD_ADDR"
)

// mpiLaunchVars are set by common MPI launchers. Their presence means a
// cluster launch happened even when the diffract variables are absent.
var mpiLaunchVars = []string{"PMI_RANK", "OMPI_COMM_WORLD_RANK", "PMI_ID", "SLURM_PROCID"}

// Environment is the resolved execution context for this process.
type Environment struct {
	Mode      Mode
	Rank      int
	WorldSize int
	CoordAddr string
}

// IsCoordinator reports whether this rank drives the run.
func (e Environment) IsCoordinator() bool {
	return e.Mode == ModeLocal || e.Rank == 0
}

// Detect resolves the execution environment from process variables.
// forceMode ("local" or "cluster") overrides detection; empty auto-detects.
// A malformed cluster context degrades to local mode with a warning, never
// an abort.
func Detect(forceMode string, logger *slog.Logger) Environment {
	log := logging.NewComponentLogger(logger, "pool")

	if forceMode == string(ModeLocal) {
		return Environment{Mode: ModeLocal}
	}

	rankStr, hasRank := os.LookupEnv(EnvRank)
	sizeStr, hasSize := os.LookupEnv(EnvWorldSize)
	addr := os.Getenv(EnvCoordAddr)

	launchPresent := hasRank
	for _, v := range mpiLaunchVars {
		if _, ok := os.LookupEnv(v); ok {
			launchPresent = true
			break
		}
	}
	if !launchPresent && forceMode != string(ModeCluster) {
		return Environment{Mode: ModeLocal}
	}

	rank, rankErr := strconv.Atoi(rankStr)
	size, sizeErr := strconv.Atoi(sizeStr)
	switch {
	case !hasRank || !hasSize || rankErr != nil || sizeErr != nil:
		log.Warn("cluster launch detected but rank context is incomplete; falling back to local mode",
			logging.String(EnvRank, rankStr),
			logging.String(EnvWorldSize, sizeStr),
		)
		return Environment{Mode: ModeLocal}
	case size < 2 || rank < 0 || rank >= size:
		log.Warn("cluster rank context is inconsistent; falling back to local mode",
			logging.Int("rank", rank),
			logging.Int("world_size", size),
		)
		return Environment{Mode: ModeLocal}
	case addr == "":
		log.Warn("cluster launch detected without a coordinator address; falling back to local mode")
		return Environment{Mode: ModeLocal}
	}

	return Environment{Mode: ModeCluster, Rank: rank, WorldSize: size, CoordAddr: addr}
}
