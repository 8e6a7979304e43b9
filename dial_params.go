package wsstream

import (
	"context"
	"net/http"
	"net/url"
)

type (
	// OpenConnectionParams is what a client needs to open a connection: the endpoint and the
	// extra handshake headers.
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	// OpenConnectionParamsRepo resolves the connection parameters before every dial attempt,
	// so endpoints and signed headers can change between reconnections.
	OpenConnectionParamsRepo struct {
		logger Logger
		getter OpenConnectionParamsGetter
	}
)

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// StaticOpenConnectionParams returns a getter that always yields the same parameters.
func StaticOpenConnectionParams(u url.URL, header http.Header) OpenConnectionParamsGetter {
	return func(context.Context) (OpenConnectionParams, error) {
		return OpenConnectionParams{URL: u, Header: header}, nil
	}
}
