package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/qmi"
)

type fakeRequester struct {
	service qmi.Service
	fail    bool

	mu   sync.Mutex
	reqs []uint16
	last []byte
}

func (f *fakeRequester) Service() qmi.Service { return f.service }

func (f *fakeRequester) Request(ctx context.Context, msgID uint16, build func(*qmi.Builder), timeout time.Duration) ([]byte, error) {
	req := qmi.NewBuilder(qmi.KindRequest, 1, msgID)
	if build != nil {
		build(req)
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, msgID)
	f.last = req.Bytes()
	f.mu.Unlock()

	if f.fail {
		resp := qmi.NewBuilder(qmi.KindResponse, 1, msgID).
			Result(qmi.ResultFailure, qmi.ProtocolErrorNotSupported).Bytes()
		return resp, qmi.ProtocolErrorNotSupported
	}
	resp := qmi.NewBuilder(qmi.KindResponse, 1, msgID).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).
		U8(0x10, 1).
		U16(0x11, 2).
		Bytes()
	return resp, nil
}

func TestKinds_Exhaustive(t *testing.T) {
	seen := make(map[qmi.Service]bool)
	for _, k := range AllKinds {
		svc := k.Service()
		assert.False(t, seen[svc], "duplicate service for %s", k)
		seen[svc] = true

		name, _, _ := k.query()
		assert.NotEmpty(t, name)

		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	assert.Panics(t, func() { ServiceKind(42).Service() })
	assert.Panics(t, func() { ServiceKind(42).query() })
	_, err := ParseKind("WDS")
	assert.Error(t, err)
}

func TestQuerier_StartAll(t *testing.T) {
	q := NewQuerier(time.Second)
	nas := &fakeRequester{service: qmi.ServiceNAS}
	pdc := &fakeRequester{service: qmi.ServicePDC}
	imsa := &fakeRequester{service: qmi.ServiceIMSA, fail: true}
	require.NoError(t, q.Register(KindNAS, nas))
	require.NoError(t, q.Register(KindPDC, pdc))
	require.NoError(t, q.Register(KindIMSA, imsa))

	q.StartAll(context.Background())
	q.Wait()

	st, ok := q.Status(KindNAS)
	require.True(t, ok)
	assert.True(t, st.Success)
	assert.Equal(t, "GetHomeNetwork", st.Query)
	assert.Equal(t, 3, st.TLVCount)
	assert.Equal(t, []uint16{msgNASGetHomeNetwork}, nas.reqs)

	v, ok := qmi.U32Value(pdc.last, pdcTagConfigType)
	require.True(t, ok)
	assert.Equal(t, pdcConfigTypeSoftware, v)

	st, ok = q.Status(KindIMSA)
	require.True(t, ok)
	assert.False(t, st.Success)
	assert.Equal(t, 1, st.TLVCount)
	assert.True(t, qmi.IsProtocolError(st.Err, qmi.ProtocolErrorNotSupported))

	_, ok = q.Status(KindDMS)
	assert.False(t, ok)
}

func TestQuerier_RegisterMismatch(t *testing.T) {
	q := NewQuerier(time.Second)
	err := q.Register(KindDMS, &fakeRequester{service: qmi.ServiceNAS})
	assert.Error(t, err)
}
