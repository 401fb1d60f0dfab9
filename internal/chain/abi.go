package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/tierpass/internal/subscription"
)

// subscriptionABI is the external surface of the deployed Subscription contract.
const subscriptionABI = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"royaltyReceiver","type":"address"},{"name":"baseURI","type":"string"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tiers","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"name","type":"bytes32"},{"name":"price","type":"uint256"},{"name":"enabled","type":"bool"}]},
	{"type":"function","name":"subscriptions","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"tierId","type":"uint256"},{"name":"startedTime","type":"uint256"},{"name":"expiredTime","type":"uint256"},{"name":"owner","type":"address"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"addTier","stateMutability":"nonpayable","inputs":[{"name":"name","type":"bytes32"},{"name":"price","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"changeTierPrice","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"enableTier","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"enabled","type":"bool"}],"outputs":[]},
	{"type":"function","name":"mint","stateMutability":"payable","inputs":[{"name":"tierId","type":"uint256"},{"name":"months","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"extend","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"months","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdrawEth","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]},

	{"type":"event","name":"AddTier","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"name","type":"bytes32","indexed":false},{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChangeTierPrice","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"oldPrice","type":"uint256","indexed":false},{"name":"newPrice","type":"uint256","indexed":false}]},
	{"type":"event","name":"EnableTier","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"enabled","type":"bool","indexed":false}]},
	{"type":"event","name":"Mint","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"tierId","type":"uint256","indexed":false},{"name":"paidAmount","type":"uint256","indexed":false},{"name":"startedTime","type":"uint256","indexed":false},{"name":"expiredTime","type":"uint256","indexed":false},{"name":"owner","type":"address","indexed":false}]},
	{"type":"event","name":"Extend","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"paidAmount","type":"uint256","indexed":false},{"name":"oldExpiredTime","type":"uint256","indexed":false},{"name":"newExpiredTime","type":"uint256","indexed":false}]},
	{"type":"event","name":"EthWithdraw","anonymous":false,"inputs":[{"name":"recipient","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"newOwner","type":"address","indexed":true}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"id","type":"uint256","indexed":true}]},

	{"type":"error","name":"ZeroPrice","inputs":[]},
	{"type":"error","name":"InvalidTier","inputs":[]},
	{"type":"error","name":"TierDisabled","inputs":[]},
	{"type":"error","name":"InvalidDuration","inputs":[]},
	{"type":"error","name":"InsufficientFunds","inputs":[]},
	{"type":"error","name":"InvalidSubscriptionPlan","inputs":[]},
	{"type":"error","name":"SubscriptionExpired","inputs":[]},
	{"type":"error","name":"AddressZero","inputs":[]},
	{"type":"error","name":"EthWithdrawalFailed","inputs":[]},
	{"type":"error","name":"NotTokenOwner","inputs":[]}
]`

var contractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(subscriptionABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse contract ABI: %v", err))
	}
	return parsed
}

// EventTopics returns the topic0 hashes of every contract event, for log filters.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(contractABI.Events))
	for _, ev := range contractABI.Events {
		topics = append(topics, ev.ID)
	}
	return topics
}

// DecodeLog turns a contract log into the matching book event.
func DecodeLog(log types.Log) (subscription.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrUnknownEvent)
	}
	ev, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	values := make(map[string]any)
	if len(log.Data) > 0 {
		if err := ev.Inputs.UnpackIntoMap(values, log.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("unpack %s topics: %w", ev.Name, err)
		}
	}

	v := &fieldReader{values: values}
	var out subscription.Event
	switch ev.Name {
	case "AddTier":
		out = subscription.AddTierEvent{TierID: v.u64("id"), Name: subscription.TierName(v.bytes32("name")), Price: v.bigInt("price")}
	case "ChangeTierPrice":
		out = subscription.ChangeTierPriceEvent{TierID: v.u64("id"), OldPrice: v.bigInt("oldPrice"), NewPrice: v.bigInt("newPrice")}
	case "EnableTier":
		out = subscription.EnableTierEvent{TierID: v.u64("id"), Enabled: v.boolean("enabled")}
	case "Mint":
		out = subscription.MintEvent{
			TokenID:     v.u64("tokenId"),
			TierID:      v.u64("tierId"),
			PaidAmount:  v.bigInt("paidAmount"),
			StartedTime: int64(v.u64("startedTime")),
			ExpiredTime: int64(v.u64("expiredTime")),
			Owner:       v.address("owner"),
		}
	case "Extend":
		out = subscription.ExtendEvent{
			TokenID:        v.u64("tokenId"),
			PaidAmount:     v.bigInt("paidAmount"),
			OldExpiredTime: int64(v.u64("oldExpiredTime")),
			NewExpiredTime: int64(v.u64("newExpiredTime")),
		}
	case "EthWithdraw":
		out = subscription.EthWithdrawEvent{Recipient: v.address("recipient"), Amount: v.bigInt("amount")}
	case "OwnershipTransferred":
		out = subscription.OwnershipTransferredEvent{PreviousOwner: v.address("user"), NewOwner: v.address("newOwner")}
	case "Transfer":
		out = subscription.TransferEvent{From: v.address("from"), To: v.address("to"), TokenID: v.u64("id")}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if v.err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Name, v.err)
	}
	return out, nil
}

// fieldReader reads typed fields out of an unpacked log, remembering the
// first mismatch.
type fieldReader struct {
	values map[string]any
	err    error
}

func (r *fieldReader) get(name string) any {
	v, ok := r.values[name]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("missing log field %q", name)
	}
	return v
}

func (r *fieldReader) mismatch(name string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("log field %q has type %T", name, v)
	}
}

func (r *fieldReader) bigInt(name string) *big.Int {
	v := r.get(name)
	n, ok := v.(*big.Int)
	if !ok {
		r.mismatch(name, v)
		return new(big.Int)
	}
	return n
}

func (r *fieldReader) u64(name string) uint64 {
	n := r.bigInt(name)
	if !n.IsUint64() {
		r.mismatch(name, n)
		return 0
	}
	return n.Uint64()
}

func (r *fieldReader) boolean(name string) bool {
	v := r.get(name)
	b, ok := v.(bool)
	if !ok {
		r.mismatch(name, v)
	}
	return b
}

func (r *fieldReader) address(name string) common.Address {
	v := r.get(name)
	a, ok := v.(common.Address)
	if !ok {
		r.mismatch(name, v)
	}
	return a
}

func (r *fieldReader) bytes32(name string) [32]byte {
	v := r.get(name)
	b, ok := v.([32]byte)
	if !ok {
		r.mismatch(name, v)
	}
	return b
}

// decodeRevert maps revert data from a failed call to a book revert.
// Returns nil when the data is not a known revert.
func decodeRevert(data []byte) *subscription.Revert {
	if len(data) < 4 {
		return nil
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return subscription.RevertFromReason(reason)
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	abiErr, err := contractABI.ErrorByID(selector)
	if err != nil {
		return nil
	}
	return subscription.RevertFromReason(abiErr.Name + "()")
}

// dataError is implemented by JSON-RPC errors that carry revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// asRevert extracts a book revert from an RPC error, if it carries one.
func asRevert(err error) error {
	var de dataError
	if !errors.As(err, &de) {
		return err
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return err
	}
	data, decErr := hexutil.Decode(s)
	if decErr != nil {
		return err
	}
	if r := decodeRevert(data); r != nil {
		return fmt.Errorf("%w: %v", r, err)
	}
	return err
}
