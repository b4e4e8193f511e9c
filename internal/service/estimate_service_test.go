package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Privnode-HQ/zelo-refund/internal/model"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/pkg/errs"
)

// gateUserStore 在 ListAll 上卡一道闸，测单飞用
type gateUserStore struct {
	*fakeUserStore
	gate chan struct{}
}

func (g *gateUserStore) ListAll(ctx context.Context) ([]*model.User, error) {
	<-g.gate
	return g.fakeUserStore.ListAll(ctx)
}

// routeCardClient 按 customer 路由卡单和错误，估算测试专用
type routeCardClient struct {
	mu         sync.Mutex
	byCustomer map[string][]stripe.Charge
	errFor     map[string]bool
	calls      []string
}

func (c *routeCardClient) ListCustomerCharges(ctx context.Context, customerID string) ([]stripe.Charge, error) {
	c.mu.Lock()
	c.calls = append(c.calls, customerID)
	c.mu.Unlock()
	if c.errFor[customerID] {
		return nil, errs.External(errs.CodeProviderError, "stripe 拉单失败")
	}
	return c.byCustomer[customerID], nil
}

func (c *routeCardClient) CreateRefund(ctx context.Context, params stripe.RefundParams) (*stripe.Refund, error) {
	return nil, errs.Internal("估算流程不应触发退款")
}

func chargeCNY(id string, amount int64, created int64) stripe.Charge {
	return stripe.Charge{ID: id, Amount: amount, Currency: "cny", Paid: true, Status: "succeeded", Created: created}
}

func waitReady(t *testing.T, svc *EstimateService) EstimateState {
	t.Helper()
	require.Eventually(t, func() bool {
		st := svc.State(context.Background())
		return st.Status == estimateStatusReady || st.Status == estimateStatusError
	}, 2*time.Second, 10*time.Millisecond)
	return svc.State(context.Background())
}

func TestEstimateStartIsSingleFlight(t *testing.T) {
	users := &gateUserStore{
		fakeUserStore: &fakeUserStore{users: map[int64]*model.User{1: {ID: 1, Quota: 500000}}},
		gate:          make(chan struct{}),
	}
	topups := &fakeTopUpStore{topups: []*model.TopUp{aggTopUp(1, 1, "1.00", "", 100)}}
	svc := NewEstimateService(users, topups, &fakeAuditStore{}, &fakeCardClient{}, nil, 5)

	st1, started := svc.Start(context.Background())
	require.True(t, started)
	assert.Equal(t, estimateStatusRunning, st1.Status)
	assert.Equal(t, estimatePhaseLoading, st1.Phase)

	// 第二次启动被吞掉，返回当前跑着的状态
	st2, started2 := svc.Start(context.Background())
	assert.False(t, started2)
	assert.Equal(t, estimateStatusRunning, st2.Status)

	close(users.gate)
	final := waitReady(t, svc)
	assert.Equal(t, estimateStatusReady, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 1, final.Result.Counts.UsersTotal)
	assert.NotEmpty(t, final.Result.ComputedAt)
}

func TestEstimateComputesFleetTotals(t *testing.T) {
	users := &fakeUserStore{users: map[int64]*model.User{
		// 聚合渠道付费且全额可退
		1: {ID: 1, Quota: 5000000},
		// 付过钱但额度用光，只算付费不算可退
		2: {ID: 2, Quota: 0, UsedQuota: 5000000},
		// 卡渠道付费
		3: {ID: 3, Quota: 5000000, StripeCustomerID: "cus_3"},
	}}
	topups := &fakeTopUpStore{topups: []*model.TopUp{
		aggTopUp(1, 1, "10.00", "10.00", 100),
		aggTopUp(2, 2, "10.00", "10.00", 200),
	}}
	card := &routeCardClient{byCustomer: map[string][]stripe.Charge{
		"cus_3": {chargeCNY("ch_3", 1000, 300)},
	}}
	svc := NewEstimateService(users, topups, &fakeAuditStore{}, card, nil, 5)

	_, started := svc.Start(context.Background())
	require.True(t, started)
	final := waitReady(t, svc)

	require.Equal(t, estimateStatusReady, final.Status)
	r := final.Result
	require.NotNil(t, r)
	assert.Equal(t, int64(2000), r.TotalCents)
	assert.Equal(t, int64(1000), r.CardCents)
	assert.Equal(t, int64(1000), r.AggregatorCents)
	assert.Equal(t, "20.00", r.TotalYuan)

	assert.Equal(t, 3, r.Counts.UsersTotal)
	assert.Equal(t, 3, r.Counts.PayingUsers)
	assert.Equal(t, 2, r.Counts.RefundableUsers)
	assert.Equal(t, 1, r.Counts.UsersWithCardCustomer)
	assert.Equal(t, 1, r.Counts.CardCustomersTotal)
	assert.Equal(t, 0, r.Counts.CardCustomersFailed)

	assert.Equal(t, 1, final.Progress.CardCustomersDone)
	assert.Equal(t, 3, final.Progress.UsersTotal)
}

func TestEstimateClassifiesCardCustomers(t *testing.T) {
	users := &fakeUserStore{users: map[int64]*model.User{
		1: {ID: 1, Quota: 5000000, StripeCustomerID: "cus_ok"},
		2: {ID: 2, Quota: 5000000, StripeCustomerID: "cus_multi"},
		3: {ID: 3, Quota: 5000000, StripeCustomerID: "cus_usd"},
		4: {ID: 4, Quota: 5000000, StripeCustomerID: "cus_down"},
	}}
	// 被剔除的用户同时有聚合渠道充值，验证剔除是整个用户而不只是卡单
	topups := &fakeTopUpStore{topups: []*model.TopUp{
		aggTopUp(1, 3, "5.00", "5.00", 100),
		aggTopUp(2, 4, "8.00", "8.00", 200),
	}}
	card := &routeCardClient{
		byCustomer: map[string][]stripe.Charge{
			"cus_ok": {chargeCNY("ch_a", 1000, 100)},
			"cus_multi": {
				chargeCNY("ch_b", 1000, 100),
				{ID: "ch_c", Amount: 500, Currency: "usd", Paid: true, Status: "succeeded", Created: 200},
			},
			"cus_usd": {{ID: "ch_d", Amount: 800, Currency: "usd", Paid: true, Status: "succeeded", Created: 300}},
		},
		errFor: map[string]bool{"cus_down": true},
	}
	svc := NewEstimateService(users, topups, &fakeAuditStore{}, card, nil, 2)

	_, started := svc.Start(context.Background())
	require.True(t, started)
	final := waitReady(t, svc)

	require.Equal(t, estimateStatusReady, final.Status)
	r := final.Result
	assert.Equal(t, 4, r.Counts.CardCustomersTotal)
	assert.Equal(t, 1, r.Counts.CardCustomersFailed)
	assert.Equal(t, 1, r.Counts.CardCustomersMultiCurrency)
	assert.Equal(t, 1, r.Counts.CardCustomersNonCNY)

	// 只有纯人民币客户进入总额，其余用户连聚合渠道的份额一起剔除
	assert.Equal(t, int64(1000), r.TotalCents)
	assert.Equal(t, int64(1000), r.CardCents)
	assert.Equal(t, int64(0), r.AggregatorCents)
	assert.Equal(t, 1, r.Counts.RefundableUsers)
	assert.Equal(t, 1, r.Counts.PayingUsers)

	// 四个 customer 全都被拉过一遍
	card.mu.Lock()
	assert.Len(t, card.calls, 4)
	card.mu.Unlock()

	// 分类计数同步进 progress，跑到一半也能看到失败在累积
	assert.Equal(t, 4, final.Progress.UsersTotal)
	assert.Equal(t, 4, final.Progress.CardCustomersTotal)
	assert.Equal(t, 4, final.Progress.CardCustomersDone)
	assert.Equal(t, 1, final.Progress.CardCustomersFailed)
	assert.Equal(t, 1, final.Progress.CardCustomersMultiCurrency)
	assert.Equal(t, 1, final.Progress.CardCustomersNonCNY)
}

func TestEstimateCancelledCardPhaseErrors(t *testing.T) {
	newSvc := func() *EstimateService {
		users := &fakeUserStore{users: map[int64]*model.User{
			1: {ID: 1, Quota: 5000000, StripeCustomerID: "cus_1"},
		}}
		card := &routeCardClient{byCustomer: map[string][]stripe.Charge{
			"cus_1": {chargeCNY("ch_1", 1000, 100)},
		}}
		return NewEstimateService(users, &fakeTopUpStore{}, &fakeAuditStore{}, card, nil, 2)
	}

	live, err := newSvc().compute(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1000), live.TotalCents)

	// 卡单阶段被取消时整轮报错，不能把没拉完的 customer 当成
	// 无卡单用户发布一个偏小的总额
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newSvc().compute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateLoadFailureKeepsLastResult(t *testing.T) {
	users := &fakeUserStore{users: map[int64]*model.User{1: {ID: 1, Quota: 500000}}}
	topups := &fakeTopUpStore{topups: []*model.TopUp{aggTopUp(1, 1, "1.00", "", 100)}}
	svc := NewEstimateService(users, topups, &fakeAuditStore{}, &fakeCardClient{}, nil, 5)

	_, _ = svc.Start(context.Background())
	first := waitReady(t, svc)
	require.Equal(t, estimateStatusReady, first.Status)
	require.NotNil(t, first.Result)

	// 第二轮在加载阶段失败：状态翻 error，上一轮结果原样保留
	svc.card = &routeCardClient{errFor: map[string]bool{}}
	svc.users = &failingUserStore{}
	_, started := svc.Start(context.Background())
	require.True(t, started)
	final := waitReady(t, svc)

	assert.Equal(t, estimateStatusError, final.Status)
	assert.NotEmpty(t, final.Error)
	require.NotNil(t, final.Result)
	assert.Equal(t, first.Result.TotalCents, final.Result.TotalCents)
}

type failingUserStore struct{ fakeUserStore }

func (f *failingUserStore) ListAll(ctx context.Context) ([]*model.User, error) {
	return nil, errs.Internal("mysql 不可用")
}

func TestEstimateUsersPerUserItems(t *testing.T) {
	users := &fakeUserStore{users: map[int64]*model.User{
		7: {ID: 7, Quota: 5000000},
		8: {ID: 8, Quota: 5000000, StripeCustomerID: "cus_8"},
		9: {ID: 9, Quota: 5000000, StripeCustomerID: "cus_down"},
	}}
	topups := &fakeTopUpStore{topups: []*model.TopUp{
		aggTopUp(1, 7, "10.00", "10.00", 100),
		aggTopUp(2, 9, "6.00", "6.00", 200),
	}}
	card := &routeCardClient{
		byCustomer: map[string][]stripe.Charge{
			"cus_8": {chargeCNY("ch_8", 2000, 100)},
		},
		errFor: map[string]bool{"cus_down": true},
	}
	svc := NewEstimateService(users, topups, &fakeAuditStore{}, card, nil, 5)

	// 7 重复一次，0 和 abc 非法，9999 不存在，空 token 忽略
	res, err := svc.EstimateUsers(context.Background(), []string{"7", "7", "0", "abc", "8", "9999", "9", " "})
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "abc"}, res.InvalidUserIDs)
	assert.Equal(t, []int64{7}, res.DuplicateUserIDs)
	assert.Equal(t, []int64{9999}, res.UserIDsNotFound)

	require.Len(t, res.Items, 3)
	assert.Equal(t, int64(7), res.Items[0].UserID)
	assert.Equal(t, "10.00", res.Items[0].DueYuan)
	assert.Equal(t, int64(8), res.Items[1].UserID)
	assert.Equal(t, int64(2000), res.Items[1].DueCents)
	assert.Equal(t, int64(2000), res.Items[1].Plan.CardCents)

	// 卡单拉不下来的用户逐条标注原因，聚合渠道的份额也不计入总额
	assert.Equal(t, int64(9), res.Items[2].UserID)
	assert.Equal(t, "card_charges_unavailable", res.Items[2].Warning)
	assert.Equal(t, int64(0), res.Items[2].DueCents)
	assert.Equal(t, "0.00", res.Items[2].DueYuan)

	assert.Equal(t, int64(3000), res.TotalCents)
	assert.Equal(t, "30.00", res.TotalYuan)
	assert.Equal(t, 3, res.Counts.UsersTotal)
	assert.Equal(t, 2, res.Counts.RefundableUsers)
	assert.Equal(t, 2, res.Counts.UsersWithCardCustomer)
	assert.Equal(t, 1, res.Counts.CardCustomersFailed)
}

func TestEstimateUsersInputGuards(t *testing.T) {
	svc := NewEstimateService(&fakeUserStore{users: map[int64]*model.User{}}, &fakeTopUpStore{}, &fakeAuditStore{}, &fakeCardClient{}, nil, 5)

	_, err := svc.EstimateUsers(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInvalidUserIDs))

	tooMany := make([]string, maxEstimateUserIDs+1)
	for i := range tooMany {
		tooMany[i] = strconv.Itoa(i + 1)
	}
	_, err = svc.EstimateUsers(context.Background(), tooMany)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeTooManyUserIDs))

	_, err = svc.EstimateUsers(context.Background(), []string{"0", "-3", "xyz"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInvalidUserIDs))
}
