package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Function selectors for the DividendDistributor contract, computed offline
// as the first 4 bytes of keccak256(signature) the same way balanceOf's
// selector is derived in BalanceOfERC20.
const (
	selectorGetDistribution     = "b2077fe8" // getDistribution(uint32)
	selectorCreateDistribution = "02b351d6" // createDistribution(uint32,uint256)
	selectorExecuteDistribution = "9a93ead0" // executeDistribution(uint32,address[],uint256[],address[],uint256[])
	selectorERC20Transfer      = "a9059cbb" // transfer(address,uint256)
)

// EncodeERC20TransferCall builds the call data for the standard ERC-20
// transfer(address,uint256) function, used to top up a distributor
// contract's USDC balance ahead of an execute_distribution call.
func EncodeERC20TransferCall(tokenAddress, toAddress string, amount int64) ContractCall {
	padded := strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(toAddress), "0x")
	data := "0x" + selectorERC20Transfer + padded + padUint256(amount)
	return ContractCall{To: tokenAddress, Data: data}
}

// GetDistribution calls getDistribution(month) on distributorAddress and
// reports whether a distribution has been created for month and, if so,
// whether it has already been fully distributed, the
// create_distribution/execute_distribution preconditions.
func (c *Client) GetDistribution(ctx context.Context, distributorAddress, month string) (exists, distributed bool, err error) {
	monthUint, err := monthToUint32(month)
	if err != nil {
		return false, false, err
	}
	data := "0x" + selectorGetDistribution + padUint32(monthUint)

	callObj := map[string]interface{}{"to": distributorAddress, "data": data}
	var hexResult string
	if err := c.call(ctx, "eth_call", []interface{}{callObj, "latest"}, &hexResult); err != nil {
		return false, false, fmt.Errorf("getDistribution call: %w", err)
	}

	// The contract is expected to ABI-encode (bool exists, bool distributed)
	// as two right-aligned 32-byte words.
	raw := strings.TrimPrefix(hexResult, "0x")
	if len(raw) < 128 {
		return false, false, nil
	}
	exists = raw[63] != '0'
	distributed = raw[127] != '0'
	return exists, distributed, nil
}

// EncodeCreateDistributionCall builds the call data for
// createDistribution(month, profitSumMicroUSDC).
func EncodeCreateDistributionCall(distributorAddress, month string, profitSumMicroUSDC int64) (ContractCall, error) {
	monthUint, err := monthToUint32(month)
	if err != nil {
		return ContractCall{}, err
	}
	data := "0x" + selectorCreateDistribution + padUint32(monthUint) + padUint256(profitSumMicroUSDC)
	return ContractCall{To: distributorAddress, Data: data}, nil
}

// EncodeExecuteDistributionCall builds the call data for
// executeDistribution(month, stakers, stakerShares, authors, authorShares).
// It only encodes the static head of the call; the head/tail dynamic-array
// layout is a detail of the deployed contract's ABI that the worker is
// expected to pass as the full ABI-encoded payload through payloadJSON in
// real deployments. This helper exists so tests can exercise the
// month/selector framing in isolation.
func EncodeExecuteDistributionCall(distributorAddress, month string) (ContractCall, error) {
	monthUint, err := monthToUint32(month)
	if err != nil {
		return ContractCall{}, err
	}
	data := "0x" + selectorExecuteDistribution + padUint32(monthUint)
	return ContractCall{To: distributorAddress, Data: data}, nil
}

func monthToUint32(month string) (uint32, error) {
	if len(month) != 6 {
		return 0, fmt.Errorf("invalid profit_month_id %q: want YYYYMM", month)
	}
	var n uint32
	for _, c := range month {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid profit_month_id %q: want YYYYMM", month)
		}
		n = n*10 + uint32(c-'0')
	}
	return n, nil
}

func padUint32(n uint32) string {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[28:], n)
	return hex.EncodeToString(buf)
}

func padUint256(n int64) string {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[24:], uint64(n))
	return hex.EncodeToString(buf)
}
