package ledger

import "testing"

func TestBalanceFeeLifecycle(t *testing.T) {
	b := Balance{AccountID: "acct", Available: 100}
	fee := Entry{Kind: KindFee, Amount: 30}

	b.Reserve(fee)
	if b.Available != 70 || b.Pending != 30 {
		t.Fatalf("after reserve: %+v", b)
	}
	b.Apply(fee, StatusFailed)
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("failed fee should refund: %+v", b)
	}

	b.Reserve(fee)
	b.Apply(fee, StatusCompleted)
	if b.Available != 70 || b.Pending != 0 {
		t.Fatalf("completed fee: %+v", b)
	}
}

func TestBalanceDepositLifecycle(t *testing.T) {
	var b Balance
	dep := Entry{Kind: KindDeposit, Amount: 50}
	b.Reserve(dep)
	if b.Available != 0 || b.Pending != 50 {
		t.Fatalf("after reserve: %+v", b)
	}
	b.Apply(dep, StatusCompleted)
	if b.Available != 50 || b.Pending != 0 {
		t.Fatalf("after completion: %+v", b)
	}
}
