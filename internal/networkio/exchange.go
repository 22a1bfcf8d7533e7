package networkio

import (
	"context"
	"fmt"
	"time"
)

// Exchange writes pkt and returns the first raw packet accepted by match.
// Packets rejected by match are discarded and we keep reading until ctx
// expires. The conn is NOT closed.
func Exchange(ctx context.Context, conn FramingConn, pkt []byte, match func([]byte) bool) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	// make sure a cancelled context unblocks reading
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteRawPacket(pkt); err != nil {
		return nil, wrapContextError(ctx, err)
	}
	for {
		raw, err := conn.ReadRawPacket()
		if err != nil {
			return nil, wrapContextError(ctx, err)
		}
		if match(raw) {
			return raw, nil
		}
	}
}

func wrapContextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s", ctxErr, err.Error())
	}
	return err
}
