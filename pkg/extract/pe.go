package extract

import (
	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
)

// PE recognizes Portable Executable images. No facet is implemented, all
// of them return ErrUnsupported.
type PE struct{}

func (PE) Format() format.Format { return format.PE }

func (PE) Symbols(*component.Component, Input) (int, error)      { return 0, ErrUnsupported }
func (PE) Sections(*component.Component, Input) (int, error)     { return 0, ErrUnsupported }
func (PE) Dependencies(*component.Component, Input) (int, error) { return 0, ErrUnsupported }
func (PE) Version(*component.Component, Input) (int, error)      { return 0, ErrUnsupported }
func (PE) Metadata(*component.Component, Input) (int, error)     { return 0, ErrUnsupported }
