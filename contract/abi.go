package contract

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TraceabilityABI describes the on-chain traceability contract surface the
// core submits to and listens on. Event layouts must stay in lockstep with
// the deployed contract; the id parameter of each event is indexed so it is
// recoverable from topics alone.
const TraceabilityABI = `[
  {"type":"function","name":"createBatch","inputs":[
    {"name":"drugName","type":"string"},
    {"name":"batchNumber","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"manufacturedDate","type":"uint256"},
    {"name":"expiryDate","type":"uint256"},
    {"name":"metadataHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"recordMovement","inputs":[
    {"name":"batchId","type":"uint256"},
    {"name":"movementType","type":"uint8"},
    {"name":"to","type":"address"},
    {"name":"quantity","type":"uint256"},
    {"name":"notes","type":"string"},
    {"name":"prescriptionId","type":"string"}],"outputs":[]},
  {"type":"function","name":"recordDispensing","inputs":[
    {"name":"batchId","type":"uint256"},
    {"name":"prescriptionId","type":"string"},
    {"name":"patient","type":"address"},
    {"name":"quantity","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"DrugBatchCreated","inputs":[
    {"name":"batchId","type":"uint256","indexed":true},
    {"name":"drugName","type":"string","indexed":false},
    {"name":"batchNumber","type":"string","indexed":false},
    {"name":"manufacturer","type":"address","indexed":false},
    {"name":"manufacturedDate","type":"uint256","indexed":false},
    {"name":"expiryDate","type":"uint256","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"MovementRecorded","inputs":[
    {"name":"movementId","type":"uint256","indexed":true},
    {"name":"batchId","type":"uint256","indexed":false},
    {"name":"movementType","type":"uint8","indexed":false},
    {"name":"from","type":"address","indexed":false},
    {"name":"to","type":"address","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false},
    {"name":"notes","type":"string","indexed":false},
    {"name":"prescriptionId","type":"string","indexed":false}],"anonymous":false},
  {"type":"event","name":"DrugDispensed","inputs":[
    {"name":"dispensingId","type":"uint256","indexed":true},
    {"name":"batchId","type":"uint256","indexed":false},
    {"name":"prescriptionId","type":"string","indexed":false},
    {"name":"patient","type":"address","indexed":false},
    {"name":"pharmacist","type":"address","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"DrugVerified","inputs":[
    {"name":"verificationHash","type":"bytes32","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}],"anonymous":false}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

// ABI returns the parsed contract ABI. Parsing is deferred until first use
// and cached for the process lifetime.
func ABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(TraceabilityABI))
	})
	return parsedABI, abiErr
}
