package notifier

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type named interface {
	Name() string
}

// Multi 把同一条消息并发发送到所有渠道，汇总各自的错误。
type Multi []TextNotifier

func (m Multi) SendText(ctx context.Context, text string) error {
	errs := make([]error, len(m))
	var eg errgroup.Group
	for i, n := range m {
		i, n := i, n
		eg.Go(func() error {
			if err := n.SendText(ctx, text); err != nil {
				errs[i] = fmt.Errorf("%s: %w", channelName(n, i), err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func channelName(n TextNotifier, i int) string {
	if nn, ok := n.(named); ok {
		return nn.Name()
	}
	return fmt.Sprintf("sink#%d", i)
}
