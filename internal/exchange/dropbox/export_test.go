package dropbox

import (
	"context"
	"io"

	"github.com/pkg/sftp"
)

// WithDialer overrides how the SFTP drop connects to its server.
func WithDialer(dial func(ctx context.Context) (*sftp.Client, io.Closer, error)) SFTPOptions {
	return func(o *sftpOptions) {
		o.dial = dial
	}
}
