package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// =============================================================================
// Contract Addresses (configurable)
// =============================================================================

// ContractAddresses holds the deployed contract addresses.
type ContractAddresses struct {
	Token       common.Address `json:"token"`
	Marketplace common.Address `json:"marketplace"`
	Rewards     common.Address `json:"rewards"`
}

// ParseContractAddresses converts hex strings into ContractAddresses.
func ParseContractAddresses(token, marketplace, rewards string) (ContractAddresses, error) {
	var out ContractAddresses
	for _, item := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"token", token, &out.Token},
		{"marketplace", marketplace, &out.Marketplace},
		{"rewards", rewards, &out.Rewards},
	} {
		if !common.IsHexAddress(item.raw) {
			return ContractAddresses{}, fmt.Errorf("%s contract: invalid address %q", item.name, item.raw)
		}
		*item.dst = common.HexToAddress(item.raw)
	}
	return out, nil
}

// =============================================================================
// Contract ABIs
// =============================================================================

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const marketplaceABIJSON = `[
  {"type":"function","name":"purchaseCourse","stateMutability":"nonpayable",
   "inputs":[{"name":"courseId","type":"uint256"}],"outputs":[]}
]`

const rewardsABIJSON = `[
  {"type":"event","name":"CreateCourse","anonymous":false,"inputs":[
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"courseId","type":"uint256","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CompleteCourse","anonymous":false,"inputs":[
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"courseId","type":"uint256","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI       = mustParseABI(erc20ABIJSON)
	marketplaceABI = mustParseABI(marketplaceABIJSON)
	rewardsABI     = mustParseABI(rewardsABIJSON)

	uint256Args = abi.Arguments{{Type: mustType("uint256")}}

	// EventCreateCourse is emitted when a creator is rewarded for publishing a course.
	EventCreateCourse = rewardsABI.Events["CreateCourse"].ID
	// EventCompleteCourse is emitted when a student is rewarded for completing a course.
	EventCompleteCourse = rewardsABI.Events["CompleteCourse"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return t
}

// EncodeBalanceOf builds calldata for ERC-20 balanceOf(owner).
func EncodeBalanceOf(owner common.Address) []byte {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		panic(fmt.Sprintf("pack balanceOf: %v", err))
	}
	return data
}

// EncodeAllowance builds calldata for ERC-20 allowance(owner, spender).
func EncodeAllowance(owner, spender common.Address) []byte {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		panic(fmt.Sprintf("pack allowance: %v", err))
	}
	return data
}

// EncodeApprove builds calldata for ERC-20 approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := checkUint256(amount); err != nil {
		return nil, err
	}
	return erc20ABI.Pack("approve", spender, amount)
}

// EncodePurchaseCourse builds calldata for purchaseCourse(courseId).
func EncodePurchaseCourse(courseID string) ([]byte, error) {
	id, err := ParseCourseID(courseID)
	if err != nil {
		return nil, err
	}
	if err := checkUint256(id); err != nil {
		return nil, err
	}
	return marketplaceABI.Pack("purchaseCourse", id)
}

// ParseCourseID parses a decimal course id as used on-chain.
func ParseCourseID(courseID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(courseID), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid course id %q", courseID)
	}
	return id, nil
}

// DecodeUint256 decodes a single uint256 return value.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(data))
	}
	values, err := uint256Args.Unpack(data[:32])
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}

// =============================================================================
// Reward Log Parsing
// =============================================================================

// RewardLog is a decoded CreateCourse or CompleteCourse log.
type RewardLog struct {
	Event       common.Hash
	Beneficiary common.Address
	CourseID    *big.Int
	Amount      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
}

// ParseRewardLog decodes a reward log. Layout: topics = [signature, beneficiary, courseId],
// data = amount.
func ParseRewardLog(l types.Log) (*RewardLog, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("expected 3 topics, got %d", len(l.Topics))
	}
	event, err := rewardsABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("unexpected event signature %s", l.Topics[0].Hex())
	}

	fields := make(map[string]interface{}, 3)
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:3]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", event.Name, err)
	}
	if err := event.Inputs.UnpackIntoMap(fields, l.Data); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}

	beneficiary, _ := fields["beneficiary"].(common.Address)
	courseID, _ := fields["courseId"].(*big.Int)
	amount, _ := fields["amount"].(*big.Int)
	if courseID == nil || amount == nil {
		return nil, fmt.Errorf("decode %s: missing fields", event.Name)
	}
	return &RewardLog{
		Event:       event.ID,
		Beneficiary: beneficiary,
		CourseID:    courseID,
		Amount:      amount,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}, nil
}

// AddressTopic left-pads an address into a topic for filtering.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

// checkUint256 rejects values the ABI packer would silently wrap.
func checkUint256(v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return fmt.Errorf("value out of uint256 range: %v", v)
	}
	return nil
}
