package docker

import (
	"testing"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerSpec_SeparateDirectories(t *testing.T) {
	desc := domain.JobDescriptor{
		ID:         "job-1",
		InputPath:  "/home/ana/scans/invoice.pdf",
		OutputPath: "/home/ana/ocr/invoice ocr.pdf",
		Flags:      []string{"-l", "eng", "--deskew"},
	}

	cmd, mounts, err := containerSpec(desc)
	require.NoError(t, err)

	assert.Equal(t, []string{"-l", "eng", "--deskew", "/data/in/invoice.pdf", "/data/out/invoice ocr.pdf"}, cmd)
	require.Len(t, mounts, 2)
	assert.Equal(t, mount.Mount{Type: mount.TypeBind, Source: "/home/ana/scans", Target: "/data/in", ReadOnly: true}, mounts[0])
	assert.Equal(t, mount.Mount{Type: mount.TypeBind, Source: "/home/ana/ocr", Target: "/data/out"}, mounts[1])
}

func TestContainerSpec_SameDirectory(t *testing.T) {
	desc := domain.JobDescriptor{
		ID:         "job-2",
		InputPath:  "/scans/a.pdf",
		OutputPath: "/scans/a ocr.pdf",
	}

	cmd, mounts, err := containerSpec(desc)
	require.NoError(t, err)

	assert.Equal(t, []string{"/data/in/a.pdf", "/data/in/a ocr.pdf"}, cmd)
	require.Len(t, mounts, 1)
	assert.False(t, mounts[0].ReadOnly)
}

func TestMakeFilters(t *testing.T) {
	args := makeFilters(map[string]string{"label": labelManaged + "=true"})
	assert.Equal(t, filters.NewArgs(filters.Arg("label", "ocrkernel.managed=true")), args)
}
