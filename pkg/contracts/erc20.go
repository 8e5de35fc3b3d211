package contracts

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI covers the calls the sentinel makes against token contracts
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"payable": false,
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	erc20Once sync.Once
	erc20ABI  abi.ABI
	erc20Err  error
)

// ERC20 returns the parsed token ABI
func ERC20() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20ABI, erc20Err = abi.JSON(strings.NewReader(ERC20ABI))
	})
	return erc20ABI, erc20Err
}

// PackBalanceOf builds calldata for balanceOf(owner)
func PackBalanceOf(owner common.Address) ([]byte, error) {
	parsed, err := ERC20()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %v", err)
	}
	return parsed.Pack("balanceOf", owner)
}

// UnpackBalance decodes the return data of balanceOf
func UnpackBalance(data []byte) (*big.Int, error) {
	parsed, err := ERC20()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty balanceOf response")
	}
	out, err := parsed.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balanceOf response: %v", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", out[0])
	}
	return balance, nil
}

// PackTransfer builds calldata for transfer(to, amount)
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := ERC20()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %v", err)
	}
	return parsed.Pack("transfer", to, amount)
}

// UnpackTransfer decodes transfer calldata back into recipient and amount
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	parsed, err := ERC20()
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to parse ERC20 ABI: %v", err)
	}
	method, err := parsed.MethodById(data)
	if err != nil || method.Name != "transfer" {
		return common.Address{}, nil, fmt.Errorf("calldata is not a transfer call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to decode transfer calldata: %v", err)
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}

// IsBalanceOf reports whether calldata is a balanceOf call and returns the owner
func IsBalanceOf(data []byte) (common.Address, bool) {
	parsed, err := ERC20()
	if err != nil || len(data) < 4 {
		return common.Address{}, false
	}
	method, err := parsed.MethodById(data)
	if err != nil || method.Name != "balanceOf" {
		return common.Address{}, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, false
	}
	return args[0].(common.Address), true
}
