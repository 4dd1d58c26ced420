package sqlinline

const QCreateTrainedModelsTable = `--sql 3f0c7a52-8d1e-4b6a-9c2f-51e7d4a0b913
create table if not exists trained_models (
  id uuid primary key,
  user_id uuid not null,
  model_name text not null,
  remote_model_id text not null,
  training_id text not null,
  status text not null,
  trigger_word text not null,
  style text not null,
  zip_url text not null,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);
`

const QCreateTrainedModelsIndexes = `--sql 8b6d2e19-47f3-4c0a-a5d8-0e9b3c61f274
create unique index if not exists trained_models_training_id_key on trained_models(training_id);
create index if not exists trained_models_user_created_idx on trained_models(user_id, created_at desc);
`

const QInsertTrainedModel = `--sql c41e9a07-2b5f-4d8e-b6a3-7f1d0c92e5a8
insert into trained_models(
  id,
  user_id,
  model_name,
  remote_model_id,
  training_id,
  status,
  trigger_word,
  style,
  zip_url,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::uuid,
  $3::text,
  $4::text,
  $5::text,
  $6::text,
  $7::text,
  $8::text,
  $9::text,
  $10::timestamptz,
  $10::timestamptz
)
on conflict (training_id) do nothing;
`

const QListTrainedModelsByUser = `--sql 5a7f3c28-e91b-4f06-8d4c-b2e6a9107d3f
select
  id::text,
  user_id::text,
  model_name,
  remote_model_id,
  training_id,
  status,
  trigger_word,
  style,
  zip_url,
  created_at,
  updated_at
from trained_models
where user_id = $1::uuid
order by created_at desc
limit $2::int;
`

const QUpdateTrainedModelStatus = `--sql e6b29d41-0c7a-4a3e-9f58-d13c7b8a2f60
update trained_models
set status = $2::text,
    updated_at = now()
where training_id = $1::text;
`
