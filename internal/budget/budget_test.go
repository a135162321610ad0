package budget

import (
	"testing"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassForExt(t *testing.T) {
	assert.Equal(t, ClassPDF, ClassForExt(".pdf"))
	assert.Equal(t, ClassPDF, ClassForExt("epub"))
	assert.Equal(t, ClassMetadata, ClassForExt(".json"))
	assert.Equal(t, ClassMetadata, ClassForExt(".xml"))
	assert.Equal(t, ClassImage, ClassForExt(".jpg"))
	assert.Equal(t, ClassImage, ClassForExt(".png"))
	assert.Equal(t, ClassImage, ClassForFile("/out/a/objects/e1_title_ia_image_001.tif"))
}

func TestReserveAgainstTotalLimit(t *testing.T) {
	a := NewAccountant(Limits{Total: map[Class]int64{ClassPDF: 100}}, logger.Nop())
	a.BeginWork("w1")

	require.NoError(t, a.Reserve(ClassPDF, "w1", 80))
	a.Account(ClassPDF, "w1", 80)

	err := a.Reserve(ClassPDF, "w1", 30)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	// Other classes are unaffected.
	assert.NoError(t, a.Reserve(ClassImage, "w1", 1000))
}

func TestPerWorkLimitIndependentAcrossWorks(t *testing.T) {
	a := NewAccountant(Limits{PerWork: map[Class]int64{ClassImage: 50}}, logger.Nop())
	a.BeginWork("w1")
	a.BeginWork("w2")

	a.Account(ClassImage, "w1", 50)
	assert.ErrorIs(t, a.Reserve(ClassImage, "w1", 1), domain.ErrBudgetExceeded)
	assert.NoError(t, a.Reserve(ClassImage, "w2", 50))
}

func TestStreamStopsAtLimit(t *testing.T) {
	a := NewAccountant(Limits{Total: map[Class]int64{ClassPDF: 100}}, logger.Nop())
	a.BeginWork("w1")

	var streamed int64
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Stream(ClassPDF, "w1", 25))
		streamed += 25
	}

	err := a.Stream(ClassPDF, "w1", 25)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	// The failed chunk is not recorded.
	assert.Equal(t, streamed, a.Totals()[ClassPDF].Bytes)

	// Deleting the partial file gives the bytes back.
	a.Release(ClassPDF, "w1", streamed)
	assert.Equal(t, int64(0), a.Totals()[ClassPDF].Bytes)
}

func TestStopPolicySetsStopped(t *testing.T) {
	a := NewAccountant(Limits{
		Total:  map[Class]int64{ClassPDF: 10},
		Policy: PolicyStop,
	}, logger.Nop())
	a.BeginWork("w1")

	assert.False(t, a.Stopped())
	assert.Error(t, a.Stream(ClassPDF, "w1", 11))
	assert.True(t, a.Stopped())
}

func TestSkipPolicyDoesNotStop(t *testing.T) {
	a := NewAccountant(Limits{Total: map[Class]int64{ClassPDF: 10}}, logger.Nop())
	a.BeginWork("w1")

	assert.Error(t, a.Stream(ClassPDF, "w1", 11))
	assert.False(t, a.Stopped())
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	a := NewAccountant(Limits{Total: map[Class]int64{ClassPDF: 0}}, logger.Nop())
	a.BeginWork("w1")

	assert.NoError(t, a.Reserve(ClassPDF, "w1", 1<<40))
	assert.NoError(t, a.Stream(ClassPDF, "w1", 1<<40))
}

func TestAccountCountsFilesOnce(t *testing.T) {
	a := NewAccountant(Limits{}, logger.Nop())
	a.BeginWork("w1")

	// Streamed bytes followed by Account(0) must not double count.
	require.NoError(t, a.Stream(ClassImage, "w1", 500))
	a.Account(ClassImage, "w1", 0)

	totals := a.Totals()
	assert.Equal(t, int64(1), totals[ClassImage].Files)
	assert.Equal(t, int64(500), totals[ClassImage].Bytes)
}
