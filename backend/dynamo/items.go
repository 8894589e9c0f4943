package dynamo

import (
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/document"
)

// Attribute names of the single-table layout.
const (
	attrPK       = "pk"
	attrSK       = "sk"
	attrGPK      = "gpk"
	attrGSK      = "gsk"
	attrUID      = "uid"
	attrDoc      = "doc"
	attrBody     = "body"
	attrEvents   = "events"
	attrResource = "resource"
)

// Sort-key discriminators within a partition.
const (
	skStart  = "start"
	skStop   = "stop"
	skDoc    = "doc"
	skCount  = "count"
	skOwner  = "owner"
	skPage   = "page#"
	skDescLS = "desc#"
	skResLS  = "res#"
)

// gpkRun is the constant partition key of both sparse GSIs; only start
// items carry it.
const gpkRun = "run"

func runPK(uid string) string { return "run#" + uid }

func descPK(uid string) string { return "desc#" + uid }

func resPK(uid string) string { return "res#" + uid }

func datumPK(id string) string { return "datum#" + id }

func resSK(uid string) string { return skResLS + uid }

func descSK(t float64, uid string) string {
	return fmt.Sprintf("%s%016x#%s", skDescLS, timeBits(t), uid)
}

// orderSK inverts the time bits so newer runs sort first in the order GSI;
// the uid suffix breaks ties ascending.
func orderSK(t float64, uid string) string {
	return fmt.Sprintf("%016x#%s", ^timeBits(t), uid)
}

func pageSK(firstIndex uint64) string {
	return fmt.Sprintf("%s%016x", skPage, firstIndex)
}

// timeBits maps a float64 time onto uint64s that sort like the floats.
func timeBits(t float64) uint64 {
	bits := math.Float64bits(t)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func avS(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func avB(v []byte) types.AttributeValue {
	return &types.AttributeValueMemberB{Value: v}
}

func avN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: avS(pk),
		attrSK: avS(sk),
	}
}

func itemString(item map[string]types.AttributeValue, name string) (string, bool) {
	s, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

// docAttr marshals a document fields map into a native DynamoDB map
// attribute.
func docAttr(fields map[string]any) (types.AttributeValue, error) {
	m, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberM{Value: m}, nil
}

func decodeDoc(item map[string]types.AttributeValue) (map[string]any, error) {
	m, ok := item[attrDoc].(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("item has no %s attribute", attrDoc)
	}
	var fields map[string]any
	if err := attributevalue.UnmarshalMap(m.Value, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeStartItem(item map[string]types.AttributeValue) (document.Start, error) {
	fields, err := decodeDoc(item)
	if err != nil {
		return document.Start{}, err
	}
	return document.StartFromFields(fields)
}

func decodeStopItem(item map[string]types.AttributeValue) (document.Stop, error) {
	fields, err := decodeDoc(item)
	if err != nil {
		return document.Stop{}, err
	}
	return document.StopFromFields(fields)
}

func decodeDescriptorItem(item map[string]types.AttributeValue) (document.Descriptor, error) {
	fields, err := decodeDoc(item)
	if err != nil {
		return document.Descriptor{}, err
	}
	return document.DescriptorFromFields(fields)
}

func decodeResourceItem(item map[string]types.AttributeValue) (document.Resource, error) {
	fields, err := decodeDoc(item)
	if err != nil {
		return document.Resource{}, err
	}
	return document.ResourceFromFields(fields)
}

func decodeBody(c codec.Codec, item map[string]types.AttributeValue, v any) error {
	b, ok := item[attrBody].(*types.AttributeValueMemberB)
	if !ok {
		return fmt.Errorf("item has no %s attribute", attrBody)
	}
	return c.Unmarshal(b.Value, v)
}

func decodeCount(item map[string]types.AttributeValue) (int64, error) {
	n, ok := item[attrEvents].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("item has no %s attribute", attrEvents)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}
