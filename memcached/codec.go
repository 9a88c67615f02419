package memcached

import (
	"context"
	"time"

	"github.com/gogo/protobuf/proto"
)

// SetProto stores the wire encoding of msg.
func SetProto(
	ctx context.Context,
	client Client,
	key string,
	msg proto.Message,
	ttl time.Duration) error {

	data, err := marshalProto("set", key, msg)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, data, ttl)
}

// AddProto stores the wire encoding of msg if key does not exist yet.
func AddProto(
	ctx context.Context,
	client Client,
	key string,
	msg proto.Message,
	ttl time.Duration) error {

	data, err := marshalProto("add", key, msg)
	if err != nil {
		return err
	}
	return client.Add(ctx, key, data, ttl)
}

// GetProto decodes the value stored at key into msg.  A value which does not
// decode is reported as KindInvalidArgument.
func GetProto(
	ctx context.Context,
	client Client,
	key string,
	msg proto.Message) error {

	data, err := client.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return newError(
			KindInvalidArgument,
			"get",
			wrapf(err, "unable to decode %T", msg),
			key)
	}
	return nil
}

func marshalProto(op string, key string, msg proto.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, newError(
			KindInvalidArgument,
			op,
			wrapf(err, "unable to encode %T", msg),
			key)
	}
	return data, nil
}
