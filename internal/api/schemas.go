package api

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "kind"],
  "properties": {
    "id": {"type": "string", "maxLength": 64},
    "owner": {"type": "string", "minLength": 1, "maxLength": 255},
    "kind": {"type": "string", "enum": ["user", "seller", "group", "platform"]}
  }
}`

const depositWebhookSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["external_payment_id", "account_id", "amount"],
  "properties": {
    "external_payment_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "account_id": {"type": "string", "minLength": 1},
    "amount": {"type": "integer", "exclusiveMinimum": 0},
    "provider": {"type": "string", "maxLength": 64}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["sender_id", "recipient_id", "amount"],
  "properties": {
    "sender_id": {"type": "string", "minLength": 1},
    "recipient_id": {"type": "string", "minLength": 1},
    "amount": {"type": "integer", "exclusiveMinimum": 0},
    "note": {"type": "string", "maxLength": 500}
  }
}`

const payoutSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "amount", "payout_id"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "amount": {"type": "integer", "exclusiveMinimum": 0},
    "payout_id": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

const createOrderSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["buyer_account", "seller_account", "gross"],
  "properties": {
    "id": {"type": "string", "maxLength": 64},
    "buyer_account": {"type": "string", "minLength": 1},
    "seller_account": {"type": "string", "minLength": 1},
    "gross": {"type": "integer", "exclusiveMinimum": 0},
    "fee_rate_bps": {"type": "integer", "minimum": 0, "maximum": 10000}
  }
}`

const disputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1, "maxLength": 1000}
  }
}`

const resolveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["resolution"],
  "properties": {
    "resolution": {"type": "string", "enum": ["release", "refund"]},
    "reason": {"type": "string", "maxLength": 1000}
  }
}`

const cancelSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 1000}
  }
}`

const addUnitsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["payloads"],
  "properties": {
    "payloads": {
      "type": "array",
      "minItems": 1,
      "maxItems": 1000,
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

const claimUnitSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["claimed_by"],
  "properties": {
    "claimed_by": {"type": "string", "minLength": 1},
    "order_id": {"type": "string", "maxLength": 64}
  }
}`
